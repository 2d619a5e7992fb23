package relay

import (
	"net"
	"sync"
	"time"

	"github.com/frostbyte73/go-throttle"
	"github.com/pion/rtcp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// rtcpObserver owns the upstream feedback path of one media stream: it
// latches the source's RTCP address, relays viewer PLI/FIR upstream at a
// bounded rate (excess requests coalesce into the next send) and forwards
// the minimum REMB estimate seen since the last send.
type rtcpObserver struct {
	logger *zap.SugaredLogger
	media  MediaKind

	sockMu sync.Mutex
	sock   *BoundSocket

	remote    atomic.Pointer[net.UDPAddr]
	mediaSSRC atomic.Uint32
	localSSRC uint32

	pliThrottle  func(func())
	rembThrottle func(func())

	rembMu  sync.Mutex
	rembMin uint64
}

func newRTCPObserver(media MediaKind, localSSRC uint32, pliInterval, rembInterval time.Duration, log *zap.SugaredLogger) *rtcpObserver {
	return &rtcpObserver{
		logger:       log.With("media", media.String()),
		media:        media,
		localSSRC:    localSSRC,
		pliThrottle:  throttle.New(pliInterval),
		rembThrottle: throttle.New(rembInterval),
	}
}

func (o *rtcpObserver) setSocket(sock *BoundSocket) {
	o.sockMu.Lock()
	o.sock = sock
	o.sockMu.Unlock()
}

// handleSourceRTCP processes a compound packet received on the stream's RTCP
// socket and remembers where it came from for future sends. It reports
// whether the packet parsed, so callers only fan out well-formed RTCP.
func (o *rtcpObserver) handleSourceRTCP(data []byte, from *net.UDPAddr) bool {
	if from != nil {
		o.remote.Store(from)
	}
	if _, err := rtcp.Unmarshal(data); err != nil {
		o.logger.Debugw("discarding malformed rtcp", "error", err)
		return false
	}
	return true
}

// handleViewerFeedback inspects feedback relayed from a viewer connection.
func (o *rtcpObserver) handleViewerFeedback(data []byte) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return
	}
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			o.requestPLI()
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			o.trackREMB(uint64(p.Bitrate))
		}
	}
}

// requestPLI asks the source for a keyframe, at most once per interval.
func (o *rtcpObserver) requestPLI() {
	o.pliThrottle(o.sendPLI)
}

func (o *rtcpObserver) sendPLI() {
	pli := &rtcp.PictureLossIndication{
		SenderSSRC: o.localSSRC,
		MediaSSRC:  o.mediaSSRC.Load(),
	}
	o.send(pli)
}

func (o *rtcpObserver) trackREMB(bitrate uint64) {
	o.rembMu.Lock()
	if o.rembMin == 0 || bitrate < o.rembMin {
		o.rembMin = bitrate
	}
	o.rembMu.Unlock()

	o.rembThrottle(o.sendREMB)
}

func (o *rtcpObserver) sendREMB() {
	o.rembMu.Lock()
	bitrate := o.rembMin
	o.rembMin = 0
	o.rembMu.Unlock()
	if bitrate == 0 {
		return
	}

	remb := &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: o.localSSRC,
		Bitrate:    float32(bitrate),
		SSRCs:      []uint32{o.mediaSSRC.Load()},
	}
	o.send(remb)
}

func (o *rtcpObserver) send(pkt rtcp.Packet) {
	remote := o.remote.Load()
	if remote == nil {
		return
	}

	o.sockMu.Lock()
	sock := o.sock
	o.sockMu.Unlock()
	if sock == nil || sock.Conn == nil {
		return
	}

	data, err := pkt.Marshal()
	if err != nil {
		o.logger.Warnw("could not marshal rtcp", "error", err)
		return
	}
	if _, err := sock.Conn.WriteToUDP(data, remote); err != nil {
		o.logger.Debugw("rtcp send failed", "error", err)
	}
}
