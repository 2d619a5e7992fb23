package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/streamgrid/relay-server/pkg/config"
)

// fakeAcquirer hands out real loopback sockets in place of an RTSP
// negotiation, binding a fresh audio socket on every acquisition.
type fakeAcquirer struct {
	mu         sync.Mutex
	acquires   int
	keepAlives int
	releases   int
	audioPort  int
}

func (a *fakeAcquirer) Acquire(ctx context.Context, conf RTSPConfig) (*AcquiredSource, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port

	a.mu.Lock()
	a.acquires++
	a.audioPort = port
	a.mu.Unlock()

	return &AcquiredSource{
		Audio:             &BoundSocket{Conn: conn, Port: port},
		KeepAliveInterval: 500 * time.Millisecond,
	}, nil
}

func (a *fakeAcquirer) KeepAlive(ctx context.Context) error {
	a.mu.Lock()
	a.keepAlives++
	a.mu.Unlock()
	return nil
}

func (a *fakeAcquirer) Release() {
	a.mu.Lock()
	a.releases++
	a.mu.Unlock()
}

func (a *fakeAcquirer) stats() (acquires, keepAlives, releases, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquires, a.keepAlives, a.releases, a.audioPort
}

func TestMountpointRTSPReconnect(t *testing.T) {
	gw := newFakeGateway()
	acq := &fakeAcquirer{}
	conf := testRelayConfig(39100, 39200)
	conf.Relay.ReconnectThreshold = 200 * time.Millisecond

	r := NewRegistry(conf, gw, acq)
	defer r.Close()

	mp, err := r.Create(MountpointConfig{
		ID:    "cam",
		Audio: true,
		RTSP:  &RTSPConfig{URL: "rtsp://example.com/stream"},
	})
	require.NoError(t, err)

	v, err := mp.Attach(ViewerConfig{ID: "v1", Audio: true})
	require.NoError(t, err)
	v.Start()

	require.Eventually(t, func() bool {
		_, _, _, port := acq.stats()
		return port != 0
	}, time.Second, 10*time.Millisecond)

	_, _, _, port := acq.stats()
	sender := udpSender(t, port)
	sn := uint16(1)
	require.Eventually(t, func() bool {
		sendAudioRTP(t, sender, sn, uint32(sn)*960, 0xfeed0001)
		sn++
		return len(gw.rtpFor("v1")) >= 5
	}, 5*time.Second, 10*time.Millisecond)

	// go silent; the watchdog must re-acquire without disabling anything
	require.Eventually(t, func() bool {
		acquires, _, _, _ := acq.stats()
		return acquires >= 2
	}, 5*time.Second, 50*time.Millisecond)
	require.True(t, mp.Enabled())

	got := len(gw.rtpFor("v1"))
	_, _, releases, _ := acq.stats()
	require.GreaterOrEqual(t, releases, 1)

	// resolve the port each attempt in case the watchdog cycles again
	require.Eventually(t, func() bool {
		_, _, _, p := acq.stats()
		conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: p})
		if err != nil {
			return false
		}
		defer conn.Close()
		sendAudioRTP(t, conn, sn, uint32(sn)*960, 0xfeed0001)
		sn++
		return len(gw.rtpFor("v1")) >= got+5
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, mp.Enabled())
	_, keepAlives, _, _ := acq.stats()
	require.GreaterOrEqual(t, keepAlives, 1)
}

type failingAcquirer struct {
	fakeAcquirer
}

func (a *failingAcquirer) Acquire(ctx context.Context, conf RTSPConfig) (*AcquiredSource, error) {
	return nil, errors.New("connection refused")
}

func TestAcquireSourceWrapsError(t *testing.T) {
	gw := newFakeGateway()
	source := &RTPSource{acquirer: &failingAcquirer{}}
	m := newMountpoint(MountpointConfig{
		ID:    "cam",
		Audio: true,
		RTSP:  &RTSPConfig{URL: "rtsp://example.com/stream"},
	}, config.DefaultConfig().Relay, gw, source)

	err := m.acquireSource(context.Background())
	require.ErrorIs(t, err, ErrAcquireFailed)
}
