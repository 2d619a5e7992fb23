package relay

import (
	"time"

	"go.uber.org/atomic"
)

// SubstreamActivity tracks, per simulcast substream, when traffic was last
// seen on the mountpoint. Written by the ingestion loop, read by every
// viewer's simulcast context for fallback decisions.
type SubstreamActivity struct {
	lastSeen [3]atomic.Int64
}

func (a *SubstreamActivity) Touch(substream int32, now time.Time) {
	if substream < 0 || int(substream) >= len(a.lastSeen) {
		return
	}
	a.lastSeen[substream].Store(now.UnixNano())
}

func (a *SubstreamActivity) ActiveWithin(substream int32, window time.Duration, now time.Time) bool {
	if substream < 0 || int(substream) >= len(a.lastSeen) {
		return false
	}
	last := a.lastSeen[substream].Load()
	return last != 0 && now.UnixNano()-last <= window.Nanoseconds()
}

type SimulcastDecision struct {
	Forward bool

	// first packet after a substream switch; VP8 descriptor rebasing keys
	// off this
	NewGroup bool

	RequestPLI       bool
	SubstreamChanged bool
	TemporalChanged  bool
}

// SimulcastContext is one viewer's substream/temporal-layer selection state.
type SimulcastContext struct {
	FallbackAfter time.Duration

	substream       int32 // achieved, -1 until locked
	targetSubstream int32

	temporal       int32
	targetTemporal int32
}

func NewSimulcastContext(fallback time.Duration) *SimulcastContext {
	return &SimulcastContext{
		FallbackAfter:   fallback,
		substream:       -1,
		targetSubstream: 2,
		temporal:        -1,
		targetTemporal:  2,
	}
}

func (s *SimulcastContext) Substream() int32       { return s.substream }
func (s *SimulcastContext) TargetSubstream() int32 { return s.targetSubstream }
func (s *SimulcastContext) Temporal() int32        { return s.temporal }

func (s *SimulcastContext) SetTargetSubstream(target int32) {
	if target < 0 {
		target = 0
	} else if target > 2 {
		target = 2
	}
	s.targetSubstream = target
}

func (s *SimulcastContext) SetTargetTemporal(target int32) {
	if target < 0 {
		target = 0
	} else if target > 2 {
		target = 2
	}
	s.targetTemporal = target
}

// Process classifies one packet against this viewer's targets. Substream
// switches only complete on keyframes; until then a PLI is requested so the
// source produces one. A substream silent past FallbackAfter falls back to
// the best substream with recent traffic.
func (s *SimulcastContext) Process(pkt *Packet, activity *SubstreamActivity, now time.Time) SimulcastDecision {
	var d SimulcastDecision
	if pkt.Substream < 0 {
		d.Forward = true
		return d
	}

	// drop-fallback: the substream we relay went quiet
	if s.substream >= 0 && !activity.ActiveWithin(s.substream, s.FallbackAfter, now) {
		for next := s.substream - 1; next >= 0; next-- {
			if activity.ActiveWithin(next, s.FallbackAfter, now) {
				s.substream = next
				d.SubstreamChanged = true
				d.RequestPLI = true
				break
			}
		}
	}

	switch {
	case s.substream < 0:
		// not locked yet: accept the first keyframe at or below target
		if pkt.Substream <= s.targetSubstream && pkt.KeyFrame {
			s.substream = pkt.Substream
			d.SubstreamChanged = true
			d.NewGroup = true
		} else {
			d.RequestPLI = true
		}
	case s.targetSubstream > s.substream:
		if pkt.Substream > s.substream && pkt.Substream <= s.targetSubstream {
			if pkt.KeyFrame {
				s.substream = pkt.Substream
				d.SubstreamChanged = true
				d.NewGroup = true
			} else {
				d.RequestPLI = true
			}
		}
	case s.targetSubstream < s.substream:
		if pkt.Substream == s.targetSubstream && pkt.KeyFrame {
			s.substream = pkt.Substream
			d.SubstreamChanged = true
			d.NewGroup = true
		} else if pkt.Substream == s.targetSubstream {
			d.RequestPLI = true
		}
	}

	if pkt.Substream != s.substream {
		return d
	}

	// temporal-layer filtering, VP8 descriptor TID when present
	if pkt.TemporalLayer >= 0 {
		if pkt.TemporalLayer > s.targetTemporal {
			return d
		}
		if pkt.TemporalLayer != s.temporal && pkt.TemporalLayer <= s.targetTemporal {
			if pkt.TemporalLayer > s.temporal {
				s.temporal = pkt.TemporalLayer
				d.TemporalChanged = true
			} else if s.temporal > s.targetTemporal {
				s.temporal = pkt.TemporalLayer
				d.TemporalChanged = true
			}
		}
	}

	d.Forward = true
	return d
}
