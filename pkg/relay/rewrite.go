package relay

import (
	"github.com/pion/rtp"
)

const defaultVideoTSStep = 3000 // 90khz / 30fps

// RewriteContext rebases sequence numbers and timestamps so that one output
// stream stays contiguous across source switches, skew corrections and
// dropped packets. A mountpoint owns one per ingest stream (normalization),
// each viewer owns one per media (per-viewer rebasing).
type RewriteContext struct {
	inited   bool
	lastSSRC uint32

	snOffset uint16
	tsOffset uint32

	lastSN uint16
	lastTS uint32

	lastInTS uint32
	tsStep   uint32
}

// Process maps an incoming header to the outgoing sequence/timestamp pair.
// A changed SSRC is treated as a source switch and rebased to continue right
// after the last emitted values.
func (r *RewriteContext) Process(hdr *rtp.Header) (uint16, uint32) {
	if !r.inited {
		r.inited = true
		r.lastSSRC = hdr.SSRC
		r.lastInTS = hdr.Timestamp
	} else if hdr.SSRC != r.lastSSRC {
		r.lastSSRC = hdr.SSRC
		step := r.tsStep
		if step == 0 {
			step = defaultVideoTSStep
		}
		r.snOffset = hdr.SequenceNumber - r.lastSN - 1
		r.tsOffset = hdr.Timestamp - r.lastTS - step
		r.lastInTS = hdr.Timestamp
	}

	sn := hdr.SequenceNumber - r.snOffset
	ts := hdr.Timestamp - r.tsOffset

	if hdr.Timestamp != r.lastInTS {
		delta := hdr.Timestamp - r.lastInTS
		// ignore reordered frames when estimating the step
		if int32(delta) > 0 {
			r.tsStep = delta
		}
		r.lastInTS = hdr.Timestamp
	}

	r.lastSN = sn
	r.lastTS = ts
	return sn, ts
}

// PacketDropped accounts for a packet this stream will not emit, shifting
// later sequence numbers down so the output shows no gap.
func (r *RewriteContext) PacketDropped() {
	if !r.inited {
		return
	}
	r.snOffset++
}

// Advance jumps the outgoing sequence numbering forward by n, used when skew
// compensation decides the source clock is running slow.
func (r *RewriteContext) Advance(n int) {
	if !r.inited || n <= 0 {
		return
	}
	r.snOffset -= uint16(n)
}

// Last returns the most recently emitted sequence/timestamp pair.
func (r *RewriteContext) Last() (uint16, uint32) {
	return r.lastSN, r.lastTS
}
