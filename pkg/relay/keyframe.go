package relay

import (
	"sync"

	"go.uber.org/atomic"
)

// KeyframeBuffer caches the most recent complete keyframe of a video stream
// so late joiners can start decoding immediately. Packets sharing the
// keyframe's timestamp accumulate in a temp group; the first packet with a
// different timestamp promotes the group to latest in a single swap, so a
// concurrent reader sees either the previous complete keyframe or the new
// one, never a partial mix.
type KeyframeBuffer struct {
	mu     sync.Mutex
	tempTS uint32
	temp   []*Packet

	latest atomic.Pointer[[]*Packet]
}

func NewKeyframeBuffer() *KeyframeBuffer {
	return &KeyframeBuffer{}
}

// Push observes one video packet from the ingestion loop.
func (k *KeyframeBuffer) Push(pkt *Packet) {
	if pkt.RTP == nil {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.temp) > 0 && pkt.RTP.Timestamp != k.tempTS {
		group := k.temp
		k.latest.Store(&group)
		k.temp = nil
	}

	if !pkt.KeyFrame {
		return
	}
	if len(k.temp) == 0 {
		k.tempTS = pkt.RTP.Timestamp
	}
	k.temp = append(k.temp, pkt.Clone())
}

// Latest returns the last complete keyframe, oldest packet first, or nil.
// The returned packets are private clones and safe to rewrite.
func (k *KeyframeBuffer) Latest() []*Packet {
	group := k.latest.Load()
	if group == nil {
		return nil
	}
	out := make([]*Packet, 0, len(*group))
	for _, pkt := range *group {
		out = append(out, pkt.Clone())
	}
	return out
}

// Clear drops both the in-progress and the complete keyframe, used on source
// switches where stale keyframes would confuse a decoder.
func (k *KeyframeBuffer) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.temp = nil
	k.latest.Store(nil)
}
