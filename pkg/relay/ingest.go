package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/streamgrid/relay-server/pkg/telemetry"
)

const ingestReadBufferSize = 1500
const housekeepingInterval = time.Second

type inbound struct {
	kind      MediaKind
	substream int32
	rtcp      bool
	data      []byte
	addr      *net.UDPAddr
	err       error

	// socket generation the entry came from; bumped on every RTSP
	// reconnect so entries from released sockets are discarded
	gen uint64
}

type streamKey struct {
	kind      MediaKind
	substream int32
}

// ingestStream is the per-socket processing state, touched only by the
// ingestion goroutine.
type ingestStream struct {
	kind      MediaKind
	substream int32

	lastSSRC   uint32
	lastSSRCAt time.Time

	rewrite      RewriteContext
	skew         SkewContext
	pendingDrops int

	lastKeyframeTS uint32
	sawKeyframe    bool
}

// runIngest is the mountpoint's single ingestion loop: it drains a channel
// fed by one reader goroutine per socket, classifies and buffers packets,
// and fans them out directly or through the helper pool. It exits on
// destroy or on a socket fault.
func (m *Mountpoint) runIngest(ctx context.Context) {
	defer close(m.done)

	streams := make(map[streamKey]*ingestStream)
	stream := func(kind MediaKind, substream int32) *ingestStream {
		key := streamKey{kind, substream}
		st, ok := streams[key]
		if !ok {
			st = &ingestStream{kind: kind, substream: substream}
			switch kind {
			case MediaAudio:
				st.skew.ClockRate = m.conf.Codecs.AudioClockRate
			case MediaVideo:
				st.skew.ClockRate = m.conf.Codecs.VideoClockRate
			}
			if st.skew.ClockRate == 0 && kind == MediaVideo {
				st.skew.ClockRate = 90000
			}
			streams[key] = st
		}
		return st
	}

	inCh := make(chan inbound, 512)
	readerCtx, cancelReaders := context.WithCancel(ctx)
	var readers sync.WaitGroup
	var gen uint64

	if m.conf.RTSP != nil && m.source.audio == nil && m.source.video[0] == nil {
		if err := m.acquireSource(ctx); err != nil {
			m.logger.Warnw("initial source acquisition failed", "error", err)
		}
		// arm the watchdog even when the first acquire failed, so it retries
		m.source.touch(time.Now())
	}
	m.spawnReaders(readerCtx, &readers, inCh, gen)

	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	defer func() {
		cancelReaders()
		// readers block in ReadFromUDP; closing the sockets is what actually
		// unblocks them
		m.source.closeSockets()
		readers.Wait()
	}()

	respawn := func() {
		gen++
		m.spawnReaders(readerCtx, &readers, inCh, gen)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.destroyed.Watch():
			return
		case in := <-inCh:
			if in.gen != gen {
				// leftover from a socket set released during a reconnect
				continue
			}
			if in.err != nil {
				// poll error on a socket disables the whole mountpoint
				m.logger.Warnw("socket fault, disabling mountpoint",
					"error", errors.Wrapf(ErrSocketFault, "%v", in.err))
				m.enabled.Store(false)
				m.closeRecorders()
				return
			}
			now := time.Now()
			switch {
			case in.rtcp:
				m.processRTCP(in, now)
			case in.kind == MediaData:
				m.processData(in.data, now)
			default:
				m.processRTP(stream(in.kind, in.substream), in.data, now)
			}
		case <-ticker.C:
			m.housekeeping(ctx, respawn)
		}
	}
}

func (m *Mountpoint) spawnReaders(ctx context.Context, wg *sync.WaitGroup, inCh chan inbound, gen uint64) {
	spawn := func(sock *BoundSocket, kind MediaKind, substream int32, rtcp bool) {
		if sock == nil || sock.Conn == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, ingestReadBufferSize)
			for {
				n, addr, err := sock.Conn.ReadFromUDP(buf)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					select {
					case inCh <- inbound{err: err, gen: gen}:
					case <-ctx.Done():
					}
					return
				}
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case inCh <- inbound{kind: kind, substream: substream, rtcp: rtcp, data: data, addr: addr, gen: gen}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	spawn(m.source.audio, MediaAudio, 0, false)
	for i, sock := range m.source.video {
		spawn(sock, MediaVideo, int32(i), false)
	}
	spawn(m.source.data, MediaData, 0, false)
	spawn(m.source.audioRTCP, MediaAudio, 0, true)
	spawn(m.source.videoRTCP, MediaVideo, 0, true)
}

func (m *Mountpoint) processRTP(st *ingestStream, buf []byte, now time.Time) {
	m.source.touch(now)
	telemetry.PacketsIngested.WithLabelValues(st.kind.String()).Inc()

	data := buf
	if m.source.srtpCtx != nil {
		decrypted, err := m.source.srtpCtx.DecryptRTP(nil, buf, nil)
		if err != nil {
			m.logger.Debugw("dropping packet",
				"error", errors.Wrapf(ErrDecryptFailed, "%v", err))
			telemetry.PacketsDropped.WithLabelValues(telemetry.DropDecrypt).Inc()
			return
		}
		data = decrypted
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil || pkt.Version != 2 {
		telemetry.PacketsDropped.WithLabelValues(telemetry.DropMalformed).Inc()
		return
	}

	// collision guard: a new SSRC shortly after valid traffic is treated as
	// a glitch, a switch after the window is legitimate
	guard := m.relayConf.CollisionGuard
	if st.lastSSRC != 0 && pkt.SSRC != st.lastSSRC {
		if guard > 0 && now.Sub(st.lastSSRCAt) < guard {
			telemetry.PacketsDropped.WithLabelValues(telemetry.DropCollision).Inc()
			return
		}
		m.logger.Infow("source switched", "media", st.kind.String(), "ssrc", pkt.SSRC)
		st.lastSSRC = pkt.SSRC
	} else if st.lastSSRC == 0 {
		st.lastSSRC = pkt.SSRC
	}
	st.lastSSRCAt = now

	codec := CodecUnknown
	keyFrame := false
	var vp8Desc *VP8Descriptor
	var svcInfo *SVCInfo
	if st.kind == MediaVideo {
		m.videoObserver.mediaSSRC.Store(pkt.SSRC)
		codec = m.videoCodec
		keyFrame = codec.IsKeyFrame(pkt.Payload)
		if codec == CodecVP8 {
			var desc VP8Descriptor
			if err := desc.Unmarshal(pkt.Payload); err == nil {
				vp8Desc = &desc
			}
		}
		if m.conf.SVC && codec == CodecVP9 {
			svcInfo = ParseSVC(pkt.Payload)
		}
	} else {
		m.audioObserver.mediaSSRC.Store(pkt.SSRC)
	}

	// skew compensation: drop when the source clock runs fast, jump the
	// outgoing numbering forward when it runs slow
	if m.conf.SkewCompensation {
		if st.pendingDrops > 0 {
			st.pendingDrops--
			st.rewrite.PacketDropped()
			telemetry.PacketsDropped.WithLabelValues(telemetry.DropSkew).Inc()
			return
		}
		if n := st.skew.Evaluate(pkt.Timestamp, now); n < 0 {
			st.pendingDrops = -n
		} else if n > 0 {
			st.rewrite.Advance(n)
		}
	}

	// normalize discontinuities from source switches before anything
	// downstream sees the packet
	sn, ts := st.rewrite.Process(&pkt.Header)
	pkt.SequenceNumber = sn
	pkt.Timestamp = ts

	rp := newRTPPacket(st.kind, codec, pkt)
	rp.KeyFrame = keyFrame
	rp.VP8 = vp8Desc
	rp.SVC = svcInfo
	if vp8Desc != nil && vp8Desc.T {
		rp.TemporalLayer = int32(vp8Desc.TID)
	}
	if st.kind == MediaVideo && m.conf.Simulcast {
		rp.Substream = st.substream
		m.source.activity.Touch(st.substream, now)
	}

	if st.kind == MediaVideo && m.conf.BufferKeyframes && st.substream == 0 && m.source.keyframes != nil {
		if keyFrame && (!st.sawKeyframe || pkt.Timestamp != st.lastKeyframeTS) {
			st.sawKeyframe = true
			st.lastKeyframeTS = pkt.Timestamp
			telemetry.KeyframesCaptured.Inc()
		}
		m.source.keyframes.Push(rp)
	}

	m.feedRecorder(st.kind, codec, pkt.Payload)

	if !m.enabled.Load() {
		telemetry.PacketsDropped.WithLabelValues(telemetry.DropDisabled).Inc()
		return
	}

	m.dispatch(rp, now)
}

func (m *Mountpoint) processRTCP(in inbound, now time.Time) {
	m.source.touch(now)

	var ok bool
	if in.kind == MediaAudio {
		ok = m.audioObserver.handleSourceRTCP(in.data, in.addr)
	} else {
		ok = m.videoObserver.handleSourceRTCP(in.data, in.addr)
	}
	if !ok || !m.enabled.Load() {
		return
	}
	m.relayRTCPToViewers(in.kind, in.data)
}

func (m *Mountpoint) processData(data []byte, now time.Time) {
	m.source.touch(now)
	telemetry.PacketsIngested.WithLabelValues(MediaData.String()).Inc()

	if m.conf.BufferLastMessage {
		m.source.storeLastMessage(data)
	}
	if !m.enabled.Load() {
		return
	}
	m.dispatch(newDataPacket(data), now)
}

func (m *Mountpoint) dispatch(rp *Packet, now time.Time) {
	if !m.helpers.empty() {
		m.helpers.dispatch(rp)
		telemetry.PacketsForwarded.WithLabelValues(rp.Kind.String()).Inc()
		return
	}

	for _, v := range m.directViewers() {
		if v.forward(rp, &m.source.activity, now) == ForwardSent {
			telemetry.PacketsForwarded.WithLabelValues(rp.Kind.String()).Inc()
		}
	}
}

// housekeeping runs on the bounded tick even when no traffic arrives: it
// sends RTSP keep-alives and runs the liveness watchdog.
func (m *Mountpoint) housekeeping(ctx context.Context, respawn func()) {
	if m.conf.RTSP == nil || m.source.reconnecting.Load() {
		return
	}

	if m.source.keepAlive > 0 && time.Since(m.source.lastKeepAliveAt) >= m.source.keepAlive {
		m.source.lastKeepAliveAt = time.Now()
		if err := m.source.acquirer.KeepAlive(ctx); err != nil {
			m.logger.Warnw("rtsp keep-alive failed", "error", err)
		}
	}

	last := m.source.lastReceived.Load()
	if last == 0 {
		return
	}
	if time.Since(time.Unix(0, last)) < m.relayConf.ReconnectThreshold {
		return
	}

	m.logger.Infow("no traffic from rtsp source, reconnecting", "url", m.conf.RTSP.URL)
	m.reconnect(ctx, respawn)
}

// reconnect releases the current socket set and re-acquires the source. All
// viewers stay attached throughout; their rewrite contexts absorb the
// discontinuity.
func (m *Mountpoint) reconnect(ctx context.Context, respawn func()) {
	m.source.reconnecting.Store(true)
	defer m.source.reconnecting.Store(false)

	if m.source.acquirer != nil {
		m.source.acquirer.Release()
	}
	m.source.closeSockets()
	if m.source.keyframes != nil {
		m.source.keyframes.Clear()
	}

	if err := m.acquireSource(ctx); err != nil {
		m.logger.Warnw("source re-acquisition failed, will retry", "error", err)
		return
	}
	m.source.lastReceived.Store(time.Now().UnixNano())
	telemetry.SourceReconnects.Inc()
	respawn()
}

func (m *Mountpoint) acquireSource(ctx context.Context) error {
	if m.source.acquirer == nil {
		return ErrNoAcquirer
	}

	acquireCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	acquired, err := m.source.acquirer.Acquire(acquireCtx, *m.conf.RTSP)
	if err != nil {
		return errors.Wrapf(ErrAcquireFailed, "%v", err)
	}

	m.source.audio = acquired.Audio
	m.source.video[0] = acquired.Video
	m.source.audioRTCP = acquired.AudioRTCP
	m.source.videoRTCP = acquired.VideoRTCP
	m.source.keepAlive = acquired.KeepAliveInterval
	m.source.lastKeepAliveAt = time.Now()
	m.audioObserver.setSocket(acquired.AudioRTCP)
	m.videoObserver.setSocket(acquired.VideoRTCP)
	return nil
}
