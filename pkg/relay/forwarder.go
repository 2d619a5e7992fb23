package relay

import (
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/streamgrid/relay-server/pkg/logger"
)

type ForwardResult int32

const (
	ForwardSent ForwardResult = iota
	ForwardDropped
)

type ViewerConfig struct {
	ID string

	Audio bool
	Video bool
	Data  bool

	// outgoing SSRCs; zero picks stable defaults derived from the id
	AudioSSRC uint32
	VideoSSRC uint32
}

// relayTarget is the part of a viewer's forwarding state owned by the
// mountpoint it is attached to: the upstream PLI path and the layer
// selectors built from the mountpoint's configuration. It is replaced as a
// unit when the viewer switches mountpoints, so the packet path never sees
// a half-updated mix.
type relayTarget struct {
	requestPLI func()
	svc        *SVCContext
	simulcast  *SimulcastContext
}

// Viewer is one subscriber's forwarding state. All packet-path fields are
// touched by exactly one goroutine at a time (the ingestion loop or the
// assigned helper worker); lifecycle flags are atomics because the control
// path flips them from elsewhere.
type Viewer struct {
	id      string
	gateway Gateway
	logger  *zap.SugaredLogger

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool
	dataEnabled  atomic.Bool

	started atomic.Bool
	paused  atomic.Bool
	stopped atomic.Bool

	audioSSRC uint32
	videoSSRC uint32

	audioRewrite RewriteContext
	videoRewrite RewriteContext

	target atomic.Pointer[relayTarget]
	vp8    VP8Munger
}

func newViewer(conf ViewerConfig, gateway Gateway) *Viewer {
	v := &Viewer{
		id:        conf.ID,
		gateway:   gateway,
		logger:    logger.GetLogger("forwarder").With("viewer", conf.ID),
		audioSSRC: conf.AudioSSRC,
		videoSSRC: conf.VideoSSRC,
	}
	v.target.Store(&relayTarget{})
	if v.audioSSRC == 0 {
		v.audioSSRC = stableSSRC(conf.ID, 0)
	}
	if v.videoSSRC == 0 {
		v.videoSSRC = stableSSRC(conf.ID, 1)
	}
	v.audioEnabled.Store(conf.Audio)
	v.videoEnabled.Store(conf.Video)
	v.dataEnabled.Store(conf.Data)
	return v
}

func stableSSRC(id string, salt uint32) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	return h ^ (salt * 0x9e3779b9)
}

func (v *Viewer) ID() string { return v.id }

func (v *Viewer) Start() {
	v.started.Store(true)
	v.paused.Store(false)
}

func (v *Viewer) Pause()        { v.paused.Store(true) }
func (v *Viewer) Stop()         { v.stopped.Store(true) }
func (v *Viewer) Started() bool { return v.started.Load() }

func (v *Viewer) SetEnabled(kind MediaKind, enabled bool) {
	switch kind {
	case MediaAudio:
		v.audioEnabled.Store(enabled)
	case MediaVideo:
		v.videoEnabled.Store(enabled)
	case MediaData:
		v.dataEnabled.Store(enabled)
	}
}

// SetTargetLayers adjusts simulcast or SVC targets; a no-op for plain
// streams.
func (v *Viewer) SetTargetLayers(spatialOrSubstream, temporal int32) {
	tgt := v.target.Load()
	if tgt.svc != nil {
		tgt.svc.SetTargetSpatial(spatialOrSubstream)
		tgt.svc.SetTargetTemporal(temporal)
	}
	if tgt.simulcast != nil {
		tgt.simulcast.SetTargetSubstream(spatialOrSubstream)
		tgt.simulcast.SetTargetTemporal(temporal)
	}
}

// forward runs the full per-viewer decision chain for one packet. The shared
// header is mutated for the send and restored before returning, so the next
// viewer in the iteration sees the original values.
func (v *Viewer) forward(pkt *Packet, activity *SubstreamActivity, now time.Time) ForwardResult {
	if v.stopped.Load() {
		return ForwardDropped
	}

	switch pkt.Kind {
	case MediaData:
		if !v.dataEnabled.Load() || !v.started.Load() || v.paused.Load() {
			return ForwardDropped
		}
		v.gateway.RelayData(v.id, pkt.Data)
		return ForwardSent
	case MediaAudio:
		if !v.audioEnabled.Load() {
			return ForwardDropped
		}
	case MediaVideo:
		if !v.videoEnabled.Load() {
			return ForwardDropped
		}
	}

	if (!v.started.Load() || v.paused.Load()) && !pkt.KeyFrame {
		return ForwardDropped
	}

	if pkt.Kind == MediaAudio {
		v.sendRTP(pkt, &v.audioRewrite, v.audioSSRC, nil)
		return ForwardSent
	}

	tgt := v.target.Load()

	// SVC path
	if tgt.svc != nil && pkt.SVC != nil {
		d := tgt.svc.Process(pkt, now)
		if d.RequestPLI && tgt.requestPLI != nil {
			tgt.requestPLI()
		}
		if d.LayerChanged {
			v.pushLayerEvent("layers-changed", int64(tgt.svc.Spatial()), int64(tgt.svc.Temporal()))
		}
		if !d.Forward {
			// keep the outgoing stream contiguous even though we skip this one
			v.videoRewrite.PacketDropped()
			return ForwardDropped
		}
		v.sendRTP(pkt, &v.videoRewrite, v.videoSSRC, nil)
		return ForwardSent
	}

	// simulcast path
	if tgt.simulcast != nil && pkt.Substream >= 0 {
		d := tgt.simulcast.Process(pkt, activity, now)
		if d.RequestPLI && tgt.requestPLI != nil {
			tgt.requestPLI()
		}
		if d.SubstreamChanged {
			v.pushLayerEvent("substream-changed", int64(tgt.simulcast.Substream()), int64(tgt.simulcast.Temporal()))
		} else if d.TemporalChanged {
			v.pushLayerEvent("temporal-changed", int64(tgt.simulcast.Substream()), int64(tgt.simulcast.Temporal()))
		}
		if !d.Forward {
			v.videoRewrite.PacketDropped()
			if pkt.VP8 != nil {
				v.vp8.PacketDropped(pkt.VP8)
			}
			return ForwardDropped
		}

		var restore func()
		if pkt.Codec == CodecVP8 && pkt.VP8 != nil {
			restore = v.vp8.UpdateAndRewrite(pkt.RTP.Payload, pkt.VP8, d.NewGroup)
		}
		v.sendRTP(pkt, &v.videoRewrite, v.videoSSRC, restore)
		return ForwardSent
	}

	// default path
	v.sendRTP(pkt, &v.videoRewrite, v.videoSSRC, nil)
	return ForwardSent
}

// sendRTP mutates the shared header, hands the packet to the gateway, then
// restores header and payload.
func (v *Viewer) sendRTP(pkt *Packet, rw *RewriteContext, ssrc uint32, restorePayload func()) {
	sn, ts := rw.Process(&pkt.RTP.Header)
	pkt.RTP.SequenceNumber = sn
	pkt.RTP.Timestamp = ts
	pkt.RTP.SSRC = ssrc

	v.gateway.RelayRTP(v.id, pkt.RTP)

	pkt.RestoreHeader()
	if restorePayload != nil {
		restorePayload()
	}
}

// forwardRTCP passes sender reports received from the source through to a
// live viewer connection.
func (v *Viewer) forwardRTCP(kind MediaKind, data []byte) {
	if v.stopped.Load() || !v.started.Load() || v.paused.Load() {
		return
	}
	switch kind {
	case MediaAudio:
		if !v.audioEnabled.Load() {
			return
		}
	case MediaVideo:
		if !v.videoEnabled.Load() {
			return
		}
	}
	v.gateway.RelayRTCP(v.id, data)
}

// replay pushes buffered media (keyframe or last data message) to a viewer
// that just attached or started, bypassing the started gate. The packets are
// private clones from the keyframe buffer.
func (v *Viewer) replay(keyframe []*Packet, lastMessage []byte) {
	if v.videoEnabled.Load() {
		for _, pkt := range keyframe {
			v.sendRTP(pkt, &v.videoRewrite, v.videoSSRC, nil)
		}
	}
	if v.dataEnabled.Load() && lastMessage != nil {
		v.gateway.RelayData(v.id, lastMessage)
	}
}

func (v *Viewer) pushLayerEvent(what string, primary, temporal int64) {
	v.gateway.PushEvent(v.id, map[string]interface{}{
		"relay":    what,
		"layer":    primary,
		"temporal": temporal,
	})
}
