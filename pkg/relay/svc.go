package relay

import (
	"time"
)

type SVCDecision struct {
	Forward bool

	// achieved spatial or temporal layer moved; emit a layer event
	LayerChanged bool

	RequestPLI bool
}

// SVCContext is one viewer's VP9 SVC layer selection state. Spatial layers
// only upscale on a keyframe and only onto a layer that received traffic
// within ActivityWindow; downscale completes at the end-of-layer condition
// (keyframe in non-flexible mode, E bit in flexible mode). Temporal layers
// upscale at switching points (U and B bits) and downscale on the E bit.
type SVCContext struct {
	ActivityWindow time.Duration

	spatial  int32 // achieved, -1 until locked
	temporal int32

	targetSpatial  int32
	targetTemporal int32

	lastSpatialSeen [3]int64 // unix nanos, single-writer per viewer
}

func NewSVCContext(activityWindow time.Duration) *SVCContext {
	return &SVCContext{
		ActivityWindow: activityWindow,
		spatial:        -1,
		temporal:       -1,
		targetSpatial:  2,
		targetTemporal: 2,
	}
}

func (s *SVCContext) Spatial() int32  { return s.spatial }
func (s *SVCContext) Temporal() int32 { return s.temporal }

func (s *SVCContext) SetTargetSpatial(target int32) {
	if target < 0 {
		target = 0
	} else if target > 2 {
		target = 2
	}
	s.targetSpatial = target
}

func (s *SVCContext) SetTargetTemporal(target int32) {
	if target < 0 {
		target = 0
	} else if target > 2 {
		target = 2
	}
	s.targetTemporal = target
}

// effectiveTargetSpatial lowers the requested layer one step at a time until
// it lands on a layer that is actually receiving traffic.
func (s *SVCContext) effectiveTargetSpatial(now time.Time) int32 {
	target := s.targetSpatial
	for target > 0 && !s.activeWithin(target, now) {
		target--
	}
	return target
}

func (s *SVCContext) activeWithin(layer int32, now time.Time) bool {
	if layer < 0 || int(layer) >= len(s.lastSpatialSeen) {
		return false
	}
	last := s.lastSpatialSeen[layer]
	return last != 0 && now.UnixNano()-last <= s.ActivityWindow.Nanoseconds()
}

// Process decides whether one packet is forwarded to this viewer. A dropped
// packet must still advance the viewer's rewrite context; the caller handles
// that on Forward == false.
func (s *SVCContext) Process(pkt *Packet, now time.Time) SVCDecision {
	var d SVCDecision
	if pkt.SVC == nil {
		d.Forward = true
		return d
	}

	info := pkt.SVC
	if int(info.Spatial) < len(s.lastSpatialSeen) && info.Spatial >= 0 {
		s.lastSpatialSeen[info.Spatial] = now.UnixNano()
	}

	target := s.effectiveTargetSpatial(now)

	// a keyframe layer is one that is not inter-picture predicted; the
	// packet-level keyframe flag only covers the base spatial layer
	keyLayer := !info.InterPicture && info.BeginFrame

	// spatial layer
	switch {
	case s.spatial < 0:
		if !keyLayer {
			d.RequestPLI = true
			return d
		}
		if info.Spatial <= target {
			s.spatial = info.Spatial
			d.LayerChanged = true
		}
	case target > s.spatial:
		if keyLayer && info.Spatial > s.spatial && info.Spatial <= target {
			s.spatial = info.Spatial
			d.LayerChanged = true
		} else if !keyLayer {
			d.RequestPLI = true
		}
	case target < s.spatial:
		endOfLayer := keyLayer
		if info.Flexible {
			endOfLayer = info.EndFrame
		}
		if endOfLayer && info.Spatial <= target {
			s.spatial = target
			d.LayerChanged = true
		}
	}

	if info.Spatial > s.spatial {
		// above the achieved layer, drop
		return d
	}

	// temporal layer
	switch {
	case s.temporal < 0:
		if info.Temporal <= s.targetTemporal {
			s.temporal = info.Temporal
			d.LayerChanged = true
		}
	case s.targetTemporal > s.temporal:
		if info.Temporal > s.temporal && info.Temporal <= s.targetTemporal && info.Usable && info.BeginFrame {
			s.temporal = info.Temporal
			d.LayerChanged = true
		}
	case s.targetTemporal < s.temporal:
		if info.Temporal <= s.targetTemporal && info.EndFrame {
			s.temporal = s.targetTemporal
			d.LayerChanged = true
		}
	}

	if info.Temporal > s.temporal {
		return d
	}

	d.Forward = true
	return d
}
