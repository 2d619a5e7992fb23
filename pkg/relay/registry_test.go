package relay

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/streamgrid/relay-server/pkg/config"
)

func testRelayConfig(portStart, portEnd int) *config.Config {
	conf := config.DefaultConfig()
	conf.RTP.PortRangeStart = portStart
	conf.RTP.PortRangeEnd = portEnd
	return conf
}

func udpSender(t *testing.T, port int) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendAudioRTP(t *testing.T, conn *net.UDPConn, sn uint16, ts, ssrc uint32) {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: sn,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func TestRegistryCreateAndDestroy(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(38100, 38200), gw, nil)
	defer r.Close()

	mp, err := r.Create(MountpointConfig{
		ID:    "mp1",
		Name:  "first",
		Audio: true,
	})
	require.NoError(t, err)
	require.NotZero(t, mp.Info().AudioPort)

	_, err = r.Create(MountpointConfig{ID: "mp1", Audio: true})
	require.ErrorIs(t, err, ErrMountpointExists)

	_, err = r.Get("nope")
	require.ErrorIs(t, err, ErrMountpointNotFound)

	infos := r.List()
	require.Len(t, infos, 1)
	require.Equal(t, "mp1", infos[0].ID)
	require.True(t, infos[0].Enabled)

	require.NoError(t, r.Destroy("mp1"))
	require.ErrorIs(t, r.Destroy("mp1"), ErrMountpointNotFound)
	_, err = r.Get("mp1")
	require.ErrorIs(t, err, ErrMountpointNotFound)
}

func TestRegistryRequiresAcquirerForRTSP(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(38200, 38300), gw, nil)
	defer r.Close()

	_, err := r.Create(MountpointConfig{
		ID:   "mp1",
		RTSP: &RTSPConfig{URL: "rtsp://example/stream"},
	})
	require.ErrorIs(t, err, ErrNoAcquirer)
}

func TestMountpointRelaysAudio(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(38300, 38400), gw, nil)
	defer r.Close()

	mp, err := r.Create(MountpointConfig{ID: "mp1", Audio: true})
	require.NoError(t, err)

	v1, err := mp.Attach(ViewerConfig{ID: "v1", Audio: true})
	require.NoError(t, err)
	v1.Start()

	conn := udpSender(t, mp.Info().AudioPort)
	for i := 0; i < 10; i++ {
		sendAudioRTP(t, conn, uint16(101+i), uint32(101+i)*960, 0xcafe0001)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(gw.rtpFor("v1")) == 10
	}, 5*time.Second, 10*time.Millisecond)

	// a viewer attaching mid-stream gets a contiguous suffix
	v2, err := mp.Attach(ViewerConfig{ID: "v2", Audio: true})
	require.NoError(t, err)
	v2.Start()

	for i := 10; i < 50; i++ {
		sendAudioRTP(t, conn, uint16(101+i), uint32(101+i)*960, 0xcafe0001)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(gw.rtpFor("v1")) == 50 && len(gw.rtpFor("v2")) == 40
	}, 5*time.Second, 10*time.Millisecond)

	for viewer, sent := range map[string][]capturedRTP{"v1": gw.rtpFor("v1"), "v2": gw.rtpFor("v2")} {
		for i := 1; i < len(sent); i++ {
			require.Equal(t, sent[i-1].Header.SequenceNumber+1, sent[i].Header.SequenceNumber,
				"sequence gap for %s at %d", viewer, i)
		}
	}

	// per-viewer SSRCs diverge from the wire SSRC
	require.Equal(t, v1.audioSSRC, gw.rtpFor("v1")[0].Header.SSRC)
	require.Equal(t, v2.audioSSRC, gw.rtpFor("v2")[0].Header.SSRC)
}

func TestMountpointDisableStopsForwarding(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(38400, 38500), gw, nil)
	defer r.Close()

	mp, err := r.Create(MountpointConfig{ID: "mp1", Audio: true})
	require.NoError(t, err)

	v, err := mp.Attach(ViewerConfig{ID: "v1", Audio: true})
	require.NoError(t, err)
	v.Start()

	conn := udpSender(t, mp.Info().AudioPort)
	sendAudioRTP(t, conn, 100, 96000, 0xcafe0002)
	require.Eventually(t, func() bool {
		return len(gw.rtpFor("v1")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mp.Disable()
	require.False(t, mp.Info().Enabled)

	before := mp.source.lastReceived.Load()
	for i := 0; i < 5; i++ {
		sendAudioRTP(t, conn, uint16(101+i), 96000+uint32(101+i)*960, 0xcafe0002)
		time.Sleep(2 * time.Millisecond)
	}

	// liveness tracking continues while forwarding is off
	require.Eventually(t, func() bool {
		return mp.source.lastReceived.Load() > before
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, gw.rtpFor("v1"), 1)

	mp.Enable()
	sendAudioRTP(t, conn, 106, 96000+106*960, 0xcafe0002)
	require.Eventually(t, func() bool {
		return len(gw.rtpFor("v1")) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMountpointCollisionGuard(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(38500, 38600), gw, nil)
	defer r.Close()

	mp, err := r.Create(MountpointConfig{ID: "mp1", Audio: true})
	require.NoError(t, err)

	v, err := mp.Attach(ViewerConfig{ID: "v1", Audio: true})
	require.NoError(t, err)
	v.Start()

	conn := udpSender(t, mp.Info().AudioPort)
	sendAudioRTP(t, conn, 100, 96000, 0xcafe0003)
	require.Eventually(t, func() bool {
		return len(gw.rtpFor("v1")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// a different SSRC inside the guard window is a glitch and must not
	// reach the viewer
	for i := 0; i < 5; i++ {
		sendAudioRTP(t, conn, uint16(9000+i), 555, 0xbad00bad)
		time.Sleep(2 * time.Millisecond)
	}
	sendAudioRTP(t, conn, 101, 96960, 0xcafe0003)
	require.Eventually(t, func() bool {
		return len(gw.rtpFor("v1")) == 2
	}, 5*time.Second, 10*time.Millisecond)

	sent := gw.rtpFor("v1")
	require.Equal(t, sent[0].Header.SequenceNumber+1, sent[1].Header.SequenceNumber)
}

func TestMountpointDestroyClosesViewers(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(38600, 38700), gw, nil)

	mp, err := r.Create(MountpointConfig{ID: "mp1", Audio: true})
	require.NoError(t, err)
	_, err = mp.Attach(ViewerConfig{ID: "v1", Audio: true})
	require.NoError(t, err)

	require.NoError(t, r.Destroy("mp1"))

	gw.mu.Lock()
	closed := append([]string(nil), gw.closed...)
	var destroyed bool
	for _, ev := range gw.global {
		if ev["relay"] == "destroyed" && ev["mountpoint"] == "mp1" {
			destroyed = true
		}
	}
	gw.mu.Unlock()

	require.Contains(t, closed, "v1")
	require.True(t, destroyed)

	// attach after destroy must fail
	_, err = mp.Attach(ViewerConfig{ID: "v2", Audio: true})
	require.ErrorIs(t, err, ErrMountpointDestroyed)
}

func TestMountpointLastMessageReplay(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(38700, 38800), gw, nil)
	defer r.Close()

	mp, err := r.Create(MountpointConfig{
		ID:                "mp1",
		Data:              true,
		BufferLastMessage: true,
	})
	require.NoError(t, err)

	conn := udpSender(t, mp.Info().DataPort)
	_, err = conn.Write([]byte("scoreboard: 1-0"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mp.source.LastMessage() != nil
	}, 5*time.Second, 10*time.Millisecond)

	// the buffered message replays to a late joiner at attach time
	_, err = mp.Attach(ViewerConfig{ID: "v1", Data: true})
	require.NoError(t, err)

	msgs := gw.dataFor("v1")
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("scoreboard: 1-0"), msgs[0])
}

func TestRegistrySwitch(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(38800, 38900), gw, nil)
	defer r.Close()

	a, err := r.Create(MountpointConfig{ID: "mp-a", Audio: true})
	require.NoError(t, err)
	b, err := r.Create(MountpointConfig{ID: "mp-b", Audio: true})
	require.NoError(t, err)

	_, err = a.Attach(ViewerConfig{ID: "v1", Audio: true})
	require.NoError(t, err)

	require.NoError(t, r.Switch("v1", "mp-a", "mp-b"))

	_, ok := a.Viewer("v1")
	require.False(t, ok)
	_, ok = b.Viewer("v1")
	require.True(t, ok)

	events := gw.eventsFor("v1")
	require.NotEmpty(t, events)
	require.Equal(t, "switched", events[len(events)-1]["relay"])
	require.Equal(t, "mp-b", events[len(events)-1]["mountpoint"])

	require.ErrorIs(t, r.Switch("v1", "mp-a", "mp-b"), ErrViewerNotFound)
}

func TestAttachArmsLayerSelection(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(39200, 39300), gw, nil)
	defer r.Close()

	svcMp, err := r.Create(MountpointConfig{
		ID:     "svc",
		Video:  true,
		Codecs: CodecsDescriptor{VideoCodec: "vp9"},
		SVC:    true,
	})
	require.NoError(t, err)

	v, err := svcMp.Attach(ViewerConfig{ID: "v1", Video: true})
	require.NoError(t, err)
	v.Start()

	tgt := v.target.Load()
	require.NotNil(t, tgt.svc)
	require.Nil(t, tgt.simulcast)

	// before any layer lock, an inter-predicted upper layer must not pass
	pkt := makeTestPacket(testPacketParams{
		Kind:           MediaVideo,
		Codec:          CodecVP9,
		SequenceNumber: 100,
		Substream:      -1,
	})
	pkt.SVC = &SVCInfo{
		Spatial:      2,
		BeginFrame:   true,
		EndFrame:     true,
		Usable:       true,
		InterPicture: true,
	}
	require.Equal(t, ForwardDropped, v.forward(pkt, nil, time.Now()))
	require.Empty(t, gw.rtpFor("v1"))

	simMp, err := r.Create(MountpointConfig{
		ID:        "sim",
		Video:     true,
		Simulcast: true,
	})
	require.NoError(t, err)

	v2, err := simMp.Attach(ViewerConfig{ID: "v2", Video: true})
	require.NoError(t, err)

	tgt2 := v2.target.Load()
	require.NotNil(t, tgt2.simulcast)
	require.Nil(t, tgt2.svc)
}

func TestSwitchRearmsViewerTarget(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(39300, 39400), gw, nil)
	defer r.Close()

	plain, err := r.Create(MountpointConfig{ID: "plain", Audio: true, Video: true})
	require.NoError(t, err)
	_, err = r.Create(MountpointConfig{ID: "sim", Video: true, Simulcast: true})
	require.NoError(t, err)

	v, err := plain.Attach(ViewerConfig{ID: "v1", Audio: true, Video: true})
	require.NoError(t, err)

	before := v.target.Load()
	require.Nil(t, before.simulcast)
	require.NotNil(t, before.requestPLI)

	require.NoError(t, r.Switch("v1", "plain", "sim"))

	after := v.target.Load()
	require.NotSame(t, before, after)
	require.NotNil(t, after.simulcast)
	require.Nil(t, after.svc)
}

func TestMountpointRelaysSourceRTCP(t *testing.T) {
	gw := newFakeGateway()
	r := NewRegistry(testRelayConfig(39400, 39500), gw, nil)
	defer r.Close()

	mp, err := r.Create(MountpointConfig{
		ID:            "mp-sr",
		Audio:         true,
		AudioPort:     39402,
		AudioRTCPPort: 39403,
	})
	require.NoError(t, err)

	v, err := mp.Attach(ViewerConfig{ID: "v1", Audio: true})
	require.NoError(t, err)
	v.Start()

	sr := &rtcp.SenderReport{SSRC: 0xfeedcafe}
	data, err := sr.Marshal()
	require.NoError(t, err)

	sender := udpSender(t, 39403)
	require.Eventually(t, func() bool {
		_, werr := sender.Write(data)
		require.NoError(t, werr)
		return len(gw.rtcpFor("v1")) >= 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, data, gw.rtcpFor("v1")[0])
}

func TestAttachReplayPrecedesLiveForwarding(t *testing.T) {
	gw := newFakeGateway()
	source := &RTPSource{keyframes: NewKeyframeBuffer()}
	m := newMountpoint(MountpointConfig{
		ID:              "replay",
		Video:           true,
		BufferKeyframes: true,
	}, config.DefaultConfig().Relay, gw, source)

	// a complete keyframe group, promoted by the following delta
	for sn := uint16(100); sn < 103; sn++ {
		source.keyframes.Push(makeTestPacket(testPacketParams{
			Kind:           MediaVideo,
			SequenceNumber: sn,
			Timestamp:      90000,
			IsKeyFrame:     true,
			Substream:      -1,
		}))
	}
	source.keyframes.Push(makeTestPacket(testPacketParams{
		Kind:           MediaVideo,
		SequenceNumber: 103,
		Timestamp:      93000,
		Substream:      -1,
	}))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for sn := uint16(104); sn < 40000; sn++ {
			select {
			case <-stop:
				return
			default:
			}
			m.dispatch(makeTestPacket(testPacketParams{
				Kind:           MediaVideo,
				SequenceNumber: sn,
				Timestamp:      uint32(sn) * 3000,
				IsKeyFrame:     true,
				Substream:      -1,
			}), time.Now())
		}
	}()

	for i := 0; i < 20; i++ {
		_, err := m.Attach(ViewerConfig{ID: fmt.Sprintf("v%d", i), Video: true})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	// the replayed keyframe lands first and the outgoing numbering never
	// runs backwards, so replay cannot have interleaved with live packets
	for i := 0; i < 20; i++ {
		sent := gw.rtpFor(fmt.Sprintf("v%d", i))
		require.GreaterOrEqual(t, len(sent), 3)
		require.Equal(t, uint16(100), sent[0].Header.SequenceNumber)
		for j := 1; j < len(sent); j++ {
			require.Greater(t, sent[j].Header.SequenceNumber, sent[j-1].Header.SequenceNumber)
		}
	}
}
