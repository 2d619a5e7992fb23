package relay

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorRange(t *testing.T) {
	a := NewPortAllocator(37000, 37100)

	first, err := a.Bind(BindOptions{})
	require.NoError(t, err)
	defer first.Close()

	second, err := a.Bind(BindOptions{})
	require.NoError(t, err)
	defer second.Close()

	require.GreaterOrEqual(t, first.Port, 37000)
	require.LessOrEqual(t, first.Port, 37100)
	require.Zero(t, first.Port%2)
	require.NotEqual(t, first.Port, second.Port)
}

func TestPortAllocatorAlignsOddStart(t *testing.T) {
	a := NewPortAllocator(37201, 37300)

	sock, err := a.Bind(BindOptions{})
	require.NoError(t, err)
	defer sock.Close()
	require.Zero(t, sock.Port%2)
}

func TestPortAllocatorExplicitPort(t *testing.T) {
	a := NewPortAllocator(37400, 37500)

	sock, err := a.Bind(BindOptions{Port: 37400})
	require.NoError(t, err)
	defer sock.Close()
	require.Equal(t, 37400, sock.Port)

	// a second bind of the same explicit port fails immediately
	_, err = a.Bind(BindOptions{Port: 37400, Quiet: true})
	require.ErrorIs(t, errors.Cause(err), ErrPortInUse)
}

func TestPortAllocatorExhaustion(t *testing.T) {
	a := NewPortAllocator(37600, 37600)

	sock, err := a.Bind(BindOptions{})
	require.NoError(t, err)
	defer sock.Close()

	_, err = a.Bind(BindOptions{})
	require.ErrorIs(t, err, ErrNoPortsAvailable)
}

func TestPortAllocatorInterfaceAddress(t *testing.T) {
	a := NewPortAllocator(37700, 37800)

	sock, err := a.Bind(BindOptions{Interface: "127.0.0.1"})
	require.NoError(t, err)
	defer sock.Close()
	require.Equal(t, "127.0.0.1", sock.InterfaceAddr)

	_, err = a.Bind(BindOptions{Interface: "no-such-interface"})
	require.Error(t, err)
}

func TestPortAllocatorRejectsBadMulticastGroup(t *testing.T) {
	a := NewPortAllocator(37900, 38000)

	_, err := a.Bind(BindOptions{Multicast: "10.0.0.1"})
	require.Error(t, err)

	_, err = a.Bind(BindOptions{Multicast: "not-an-ip"})
	require.Error(t, err)
}

func TestPortAllocatorMulticastShared(t *testing.T) {
	a := NewPortAllocator(39500, 39600)

	sock, err := a.Bind(BindOptions{Port: 39502, Multicast: "239.255.42.42"})
	if err != nil {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	defer sock.Close()
	require.True(t, sock.Multicast)
	require.Equal(t, 39502, sock.Port)

	// mountpoints sharing one group reuse the same port
	sock2, err := a.Bind(BindOptions{Port: 39502, Multicast: "239.255.42.42"})
	require.NoError(t, err)
	defer sock2.Close()
	require.Equal(t, 39502, sock2.Port)
}
