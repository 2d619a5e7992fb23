package relay

import (
	"encoding/binary"
	"strings"

	"github.com/pion/rtp/codecs"
)

// Codec is the closed set of video codecs the relay can inspect for keyframe
// and layer information. Audio and data payloads are forwarded opaquely.
type Codec int32

const (
	CodecUnknown Codec = iota
	CodecVP8
	CodecVP9
	CodecH264
	CodecAV1
	CodecH265
)

func CodecFromName(name string) Codec {
	switch strings.ToLower(name) {
	case "vp8":
		return CodecVP8
	case "vp9":
		return CodecVP9
	case "h264":
		return CodecH264
	case "av1":
		return CodecAV1
	case "h265", "hevc":
		return CodecH265
	}
	return CodecUnknown
}

func (c Codec) String() string {
	switch c {
	case CodecVP8:
		return "vp8"
	case CodecVP9:
		return "vp9"
	case CodecH264:
		return "h264"
	case CodecAV1:
		return "av1"
	case CodecH265:
		return "h265"
	}
	return "unknown"
}

// IsKeyFrame inspects an RTP payload for a keyframe marker of this codec.
func (c Codec) IsKeyFrame(payload []byte) bool {
	switch c {
	case CodecVP8:
		var desc VP8Descriptor
		if err := desc.Unmarshal(payload); err != nil {
			return false
		}
		return desc.IsKeyFrame
	case CodecVP9:
		return isVP9KeyFrame(payload)
	case CodecH264:
		return isH264KeyFrame(payload)
	case CodecAV1:
		return isAV1KeyFrame(payload)
	case CodecH265:
		return isH265KeyFrame(payload)
	}
	return false
}

// VP8Descriptor is a parsed VP8 payload descriptor. Byte positions of the
// picture ID and TL0PICIDX fields are retained so a forwarder can rewrite
// them in place and restore the original bytes after the send.
/*
	 0 1 2 3 4 5 6 7
	+-+-+-+-+-+-+-+-+
	|X|R|N|S|R| PID | (REQUIRED)
	+-+-+-+-+-+-+-+-+
	|I|L|T|K| RSV   | (X)
	+-+-+-+-+-+-+-+-+
	|M| PictureID   | (I, 7 or 15 bits)
	+-+-+-+-+-+-+-+-+
	|   TL0PICIDX   | (L)
	+-+-+-+-+-+-+-+-+
	|TID|Y| KEYIDX  | (T/K)
	+-+-+-+-+-+-+-+-+
*/
type VP8Descriptor struct {
	S bool

	I         bool
	M         bool
	PictureID uint16

	L         bool
	TL0PICIDX uint8

	T   bool
	TID uint8
	Y   bool

	K      bool
	KEYIDX uint8

	// byte offsets into the payload, -1 when the field is absent
	PictureIDPos int
	TL0Pos       int

	HeaderSize int
	IsKeyFrame bool
}

func (v *VP8Descriptor) Unmarshal(payload []byte) error {
	if len(payload) < 1 {
		return errShortPacket
	}

	v.PictureIDPos = -1
	v.TL0Pos = -1

	idx := 0
	v.S = payload[idx]&0x10 > 0
	if payload[idx]&0x80 > 0 {
		// extended control bits present
		idx++
		if len(payload) < idx+1 {
			return errShortPacket
		}
		v.I = payload[idx]&0x80 > 0
		v.L = payload[idx]&0x40 > 0
		v.T = payload[idx]&0x20 > 0
		v.K = payload[idx]&0x10 > 0
		if v.L && !v.T {
			return errMalformedPacket
		}

		if v.I {
			idx++
			if len(payload) < idx+1 {
				return errShortPacket
			}
			v.PictureIDPos = idx
			pid := payload[idx] & 0x7f
			v.M = payload[idx]&0x80 > 0
			if v.M {
				idx++
				if len(payload) < idx+1 {
					return errShortPacket
				}
				v.PictureID = binary.BigEndian.Uint16([]byte{pid, payload[idx]})
			} else {
				v.PictureID = uint16(pid)
			}
		}

		if v.L {
			idx++
			if len(payload) < idx+1 {
				return errShortPacket
			}
			v.TL0Pos = idx
			v.TL0PICIDX = payload[idx]
		}

		if v.T || v.K {
			idx++
			if len(payload) < idx+1 {
				return errShortPacket
			}
			if v.T {
				v.TID = (payload[idx] & 0xc0) >> 6
				v.Y = payload[idx]&0x20 > 0
			}
			if v.K {
				v.KEYIDX = payload[idx] & 0x1f
			}
		}
		idx++
	} else {
		idx++
	}
	if len(payload) < idx+1 {
		return errShortPacket
	}

	// P bit of the first payload byte is 0 for keyframes, but only on the
	// first partition packet
	v.IsKeyFrame = payload[idx]&0x01 == 0 && v.S
	v.HeaderSize = idx
	return nil
}

func isVP9KeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	idx := 0
	i := payload[idx]&0x80 > 0
	p := payload[idx]&0x40 > 0
	l := payload[idx]&0x20 > 0
	f := payload[idx]&0x10 > 0
	b := payload[idx]&0x08 > 0

	if f && !i {
		return false
	}

	if i {
		idx++
		if len(payload) < idx+1 {
			return false
		}
		if payload[idx]&0x80 > 0 {
			// 15 bit picture id
			idx++
			if len(payload) < idx+1 {
				return false
			}
		}
	}

	sid := -1
	if l {
		idx++
		if len(payload) < idx+1 {
			return false
		}
		tid := (payload[idx] >> 5) & 0x7
		if !p && tid != 0 {
			return false
		}
		sid = int((payload[idx] >> 1) & 0x7)
	}

	return !p && (!l || sid == 0) && b
}

func isH264KeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	nalu := payload[0] & 0x1f
	switch {
	case nalu == 0:
		return false
	case nalu <= 23:
		return nalu == 7
	case nalu >= 24 && nalu <= 27:
		// STAP-A, STAP-B, MTAP16 or MTAP24: walk the aggregated units
		i := 1
		if nalu >= 25 {
			// skip DON
			i += 2
		}
		for i < len(payload) {
			if i+2 > len(payload) {
				return false
			}
			length := int(binary.BigEndian.Uint16(payload[i:]))
			i += 2
			if i+length > len(payload) {
				return false
			}
			offset := 0
			if nalu == 26 {
				offset = 3
			} else if nalu == 27 {
				offset = 4
			}
			if offset >= length {
				return false
			}
			if payload[i+offset]&0x1f == 7 {
				return true
			}
			i += length
		}
		return false
	case nalu == 28 || nalu == 29:
		// FU-A or FU-B, keyframe only detectable on the starting fragment
		if len(payload) < 2 {
			return false
		}
		if payload[1]&0x80 == 0 {
			return false
		}
		return payload[1]&0x1f == 7
	}
	return false
}

func isH265KeyFrame(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	naluType := func(b byte) byte { return (b >> 1) & 0x3f }
	isIRAP := func(t byte) bool {
		// BLA/IDR/CRA (16..21) or parameter sets (32..34)
		return (t >= 16 && t <= 21) || (t >= 32 && t <= 34)
	}

	t := naluType(payload[0])
	switch t {
	case 48:
		// aggregation packet
		i := 2
		for i < len(payload) {
			if i+2 > len(payload) {
				return false
			}
			length := int(binary.BigEndian.Uint16(payload[i:]))
			i += 2
			if i+length > len(payload) || length < 2 {
				return false
			}
			if isIRAP(naluType(payload[i])) {
				return true
			}
			i += length
		}
		return false
	case 49:
		// fragmentation unit, inspect the FU header on the starting fragment
		if len(payload) < 3 {
			return false
		}
		if payload[2]&0x80 == 0 {
			return false
		}
		return isIRAP(payload[2] & 0x3f)
	default:
		return isIRAP(t)
	}
}

func isAV1KeyFrame(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	// Z=0, N=1
	if (payload[0] & 0x88) != 0x08 {
		return false
	}
	w := (payload[0] & 0x30) >> 4

	getObu := func(data []byte, last bool) ([]byte, int, bool) {
		if last {
			return data, len(data), false
		}
		offset := 0
		length := 0
		for {
			if len(data) <= offset {
				return nil, offset, offset > 0
			}
			l := data[offset]
			length |= int(l&0x7f) << (offset * 7)
			offset++
			if (l & 0x80) == 0 {
				break
			}
		}
		if len(data) < offset+length {
			return data[offset:], len(data), true
		}
		return data[offset : offset+length], offset + length, false
	}

	offset := 1
	i := 0
	for {
		obu, length, truncated := getObu(payload[offset:], int(w) == i+1)
		if len(obu) < 1 {
			return false
		}
		tpe := (obu[0] & 0x38) >> 3
		switch i {
		case 0:
			// OBU_SEQUENCE_HEADER
			if tpe != 1 {
				return false
			}
		default:
			// OBU_FRAME_HEADER or OBU_FRAME
			if tpe == 3 || tpe == 6 {
				if len(obu) < 2 {
					return false
				}
				// show_existing_frame == 0
				if (obu[1] & 0x80) != 0 {
					return false
				}
				// frame_type == KEY_FRAME
				return (obu[1] & 0x60) == 0
			}
		}
		if truncated || i >= int(w) {
			// first frame header continues in the next packet, give up
			return false
		}
		offset += length
		i++
	}
}

// ParseSVC extracts VP9 spatial/temporal layer information from a payload.
// Returns nil when the payload carries no layer index.
func ParseSVC(payload []byte) *SVCInfo {
	var vp9 codecs.VP9Packet
	if _, err := vp9.Unmarshal(payload); err != nil {
		return nil
	}
	if !vp9.L {
		return nil
	}
	return &SVCInfo{
		Spatial:      int32(vp9.SID),
		Temporal:     int32(vp9.TID),
		BeginFrame:   vp9.B,
		EndFrame:     vp9.E,
		Usable:       vp9.U,
		Flexible:     vp9.F,
		InterPicture: vp9.P,
	}
}
