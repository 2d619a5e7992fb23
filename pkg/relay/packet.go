package relay

import (
	"github.com/pion/rtp"
)

type MediaKind int32

const (
	MediaAudio MediaKind = iota
	MediaVideo
	MediaData
)

func (k MediaKind) String() string {
	switch k {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaData:
		return "data"
	}
	return "unknown"
}

// SVCInfo is the VP9 layer index of one packet.
type SVCInfo struct {
	Spatial  int32
	Temporal int32

	// B/E bits: payload starts/ends a layer frame
	BeginFrame bool
	EndFrame   bool

	// U bit: temporal switching point
	Usable bool

	// F bit: flexible mode
	Flexible bool

	// P bit: inter-picture predicted; clear on keyframe layers
	InterPicture bool
}

// Packet is the unit of work flowing from the ingestion loop to the
// forwarders. On the direct path a single Packet is shared by every viewer
// in turn, so per-viewer header rewrites must be undone before the next
// viewer runs; OrigSequenceNumber/OrigTimestamp/OrigSSRC hold the values to
// restore.
type Packet struct {
	RTP *rtp.Packet

	Kind     MediaKind
	Codec    Codec
	KeyFrame bool

	// simulcast classification, done at ingest time
	Substream int32 // -1 when the stream is not simulcast
	SSRCs     [3]uint32

	// VP8 temporal layer from the payload descriptor, -1 when absent
	TemporalLayer int32

	SVC *SVCInfo

	// parsed VP8 payload descriptor, set at ingest for VP8 video
	VP8 *VP8Descriptor

	OrigSequenceNumber uint16
	OrigTimestamp      uint32
	OrigSSRC           uint32

	// non-RTP payload for MediaData
	Data []byte
}

func newRTPPacket(kind MediaKind, codec Codec, pkt *rtp.Packet) *Packet {
	return &Packet{
		RTP:                pkt,
		Kind:               kind,
		Codec:              codec,
		Substream:          -1,
		TemporalLayer:      -1,
		OrigSequenceNumber: pkt.SequenceNumber,
		OrigTimestamp:      pkt.Timestamp,
		OrigSSRC:           pkt.SSRC,
	}
}

func newDataPacket(payload []byte) *Packet {
	return &Packet{
		Kind:          MediaData,
		Substream:     -1,
		TemporalLayer: -1,
		Data:          payload,
	}
}

// Clone deep-copies the packet for hand-off to a helper worker, which runs
// concurrently with the ingestion loop and cannot share the mutable header
// or payload.
func (p *Packet) Clone() *Packet {
	out := *p
	if p.RTP != nil {
		rtpCopy := *p.RTP
		rtpCopy.Payload = append([]byte(nil), p.RTP.Payload...)
		out.RTP = &rtpCopy
	}
	if p.SVC != nil {
		svc := *p.SVC
		out.SVC = &svc
	}
	if p.VP8 != nil {
		desc := *p.VP8
		out.VP8 = &desc
	}
	if p.Data != nil {
		out.Data = append([]byte(nil), p.Data...)
	}
	return &out
}

// RestoreHeader puts the shared header back to the values received on the
// wire. Every forwarding path calls this after the relay callback returns.
func (p *Packet) RestoreHeader() {
	if p.RTP == nil {
		return
	}
	p.RTP.SequenceNumber = p.OrigSequenceNumber
	p.RTP.Timestamp = p.OrigTimestamp
	p.RTP.SSRC = p.OrigSSRC
}
