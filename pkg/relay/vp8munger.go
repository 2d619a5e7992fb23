package relay

// VP8Munger keeps the picture ID and TL0PICIDX of a forwarded VP8 stream
// contiguous across simulcast substream switches and temporal-layer drops.
// Rewrites happen in place on the shared payload; the returned restore
// function must run after the send so the next viewer sees the original
// bytes.
type VP8Munger struct {
	inited bool

	picIDOffset uint16
	tl0Offset   uint8

	lastPicID uint16
	lastTl0   uint8
}

// PacketDropped accounts for a dropped packet so the next emitted picture ID
// stays contiguous.
func (m *VP8Munger) PacketDropped(desc *VP8Descriptor) {
	if !m.inited || !desc.I {
		return
	}
	m.picIDOffset++
}

// UpdateAndRewrite rewrites the descriptor fields into payload and returns a
// restore function, or nil when nothing was touched. newGroup marks the first
// packet after a substream switch.
func (m *VP8Munger) UpdateAndRewrite(payload []byte, desc *VP8Descriptor, newGroup bool) func() {
	if !m.inited {
		m.inited = true
		m.lastPicID = desc.PictureID
		m.lastTl0 = desc.TL0PICIDX
		return nil
	}

	if newGroup {
		m.picIDOffset = desc.PictureID - m.lastPicID - 1
		m.tl0Offset = desc.TL0PICIDX - m.lastTl0 - 1
	}

	mungedPicID := desc.PictureID - m.picIDOffset
	mungedTl0 := desc.TL0PICIDX - m.tl0Offset
	m.lastPicID = mungedPicID
	m.lastTl0 = mungedTl0

	var saved [3]byte
	var restore func()

	if desc.I && desc.PictureIDPos >= 0 {
		pos := desc.PictureIDPos
		if desc.M {
			saved[0], saved[1] = payload[pos], payload[pos+1]
			payload[pos] = 0x80 | byte(mungedPicID>>8&0x7f)
			payload[pos+1] = byte(mungedPicID)
		} else {
			saved[0] = payload[pos]
			payload[pos] = byte(mungedPicID & 0x7f)
		}
	}
	if desc.L && desc.TL0Pos >= 0 {
		saved[2] = payload[desc.TL0Pos]
		payload[desc.TL0Pos] = mungedTl0
	}

	if (desc.I && desc.PictureIDPos >= 0) || (desc.L && desc.TL0Pos >= 0) {
		picPos, tl0Pos, m2 := desc.PictureIDPos, desc.TL0Pos, desc.M
		hasPic, hasTl0 := desc.I && picPos >= 0, desc.L && tl0Pos >= 0
		restore = func() {
			if hasPic {
				payload[picPos] = saved[0]
				if m2 {
					payload[picPos+1] = saved[1]
				}
			}
			if hasTl0 {
				payload[tl0Pos] = saved[2]
			}
		}
	}
	return restore
}
