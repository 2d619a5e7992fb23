package relay

import (
	"time"
)

// skewEvalInterval bounds how often the compensation runs; corrections are
// re-anchored after every evaluation so a window is only corrected once.
const skewEvalInterval = time.Second

// SkewContext compares the RTP clock of a source against wall time and
// decides corrective action for the relayed stream.
type SkewContext struct {
	ClockRate uint32

	inited   bool
	refTime  time.Time
	refExt   int64
	lastEval time.Time

	prevTS uint32
	extTS  int64 // unwrapped timestamp, so long spans survive 32-bit wrap
	tsStep uint32
}

// Evaluate returns a negative count when the source clock runs fast (drop
// that many packets), a positive count when it runs slow (advance outgoing
// sequence numbers by that many), and zero when within tolerance.
func (s *SkewContext) Evaluate(ts uint32, now time.Time) int {
	if s.ClockRate == 0 {
		return 0
	}
	if !s.inited {
		s.inited = true
		s.refTime = now
		s.lastEval = now
		s.prevTS = ts
		s.extTS = int64(ts)
		s.refExt = s.extTS
		return 0
	}

	if ts != s.prevTS {
		delta := int32(ts - s.prevTS)
		if delta > 0 {
			s.tsStep = uint32(delta)
		}
		s.extTS += int64(delta)
		s.prevTS = ts
	}

	if now.Sub(s.lastEval) < skewEvalInterval {
		return 0
	}
	s.lastEval = now

	elapsed := now.Sub(s.refTime)
	expected := int64(elapsed.Seconds() * float64(s.ClockRate))
	actual := s.extTS - s.refExt
	drift := actual - expected

	// 40ms of media is the tolerance before acting
	threshold := int64(s.ClockRate / 25)
	if drift > -threshold && drift < threshold {
		return 0
	}

	step := int64(s.tsStep)
	if step == 0 {
		step = int64(s.ClockRate / 50)
		if step == 0 {
			step = 1
		}
	}
	packets := int(drift / step)

	// re-anchor so the same drift is not corrected twice
	s.refTime = now
	s.refExt = s.extTS

	return -packets
}
