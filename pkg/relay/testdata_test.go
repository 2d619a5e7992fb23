package relay

import (
	"sync"

	"github.com/pion/rtp"
)

// -----------------------------------------------------------

type testPacketParams struct {
	Kind           MediaKind
	Codec          Codec
	SetMarker      bool
	IsKeyFrame     bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte
	Substream      int32
}

func makeTestPacket(params testPacketParams) *Packet {
	payload := params.Payload
	if payload == nil {
		payload = make([]byte, 20)
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         params.SetMarker,
			PayloadType:    params.PayloadType,
			SequenceNumber: params.SequenceNumber,
			Timestamp:      params.Timestamp,
			SSRC:           params.SSRC,
		},
		Payload: payload,
	}

	rp := newRTPPacket(params.Kind, params.Codec, pkt)
	rp.KeyFrame = params.IsKeyFrame
	rp.Substream = params.Substream
	return rp
}

// vp8KeyframePayload is a minimal VP8 payload with S=1 and the P bit clear.
func vp8KeyframePayload() []byte {
	return []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}
}

// vp8DeltaPayload has the P bit set, marking an interframe.
func vp8DeltaPayload() []byte {
	return []byte{0x10, 0x01, 0x9d, 0x01, 0x2a}
}

// vp9LayerPayload builds a VP9 payload in non-flexible mode carrying a layer
// index.
func vp9LayerPayload(sid, tid uint8, keyframe, begin, end, usable bool) []byte {
	b0 := byte(0x20) // L set
	if begin {
		b0 |= 0x08
	}
	if end {
		b0 |= 0x04
	}
	if !keyframe {
		b0 |= 0x40 // P
	}
	layer := tid << 5
	if usable {
		layer |= 0x10
	}
	layer |= sid << 1
	// layer byte, TL0PICIDX, then frame data
	return []byte{b0, layer, 0x00, 0xde, 0xad}
}

// -----------------------------------------------------------

type capturedRTP struct {
	Header  rtp.Header
	Payload []byte
}

// fakeGateway records everything the relay hands to the host.
type fakeGateway struct {
	mu     sync.Mutex
	rtp    map[string][]capturedRTP
	rtcp   map[string][][]byte
	data   map[string][][]byte
	events map[string][]map[string]interface{}
	global []map[string]interface{}
	closed []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		rtp:    make(map[string][]capturedRTP),
		rtcp:   make(map[string][][]byte),
		data:   make(map[string][][]byte),
		events: make(map[string][]map[string]interface{}),
	}
}

func (g *fakeGateway) RelayRTP(viewerID string, pkt *rtp.Packet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rtp[viewerID] = append(g.rtp[viewerID], capturedRTP{
		Header:  pkt.Header,
		Payload: append([]byte(nil), pkt.Payload...),
	})
}

func (g *fakeGateway) RelayRTCP(viewerID string, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rtcp[viewerID] = append(g.rtcp[viewerID], append([]byte(nil), data...))
}

func (g *fakeGateway) RelayData(viewerID string, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.data[viewerID] = append(g.data[viewerID], append([]byte(nil), data...))
}

func (g *fakeGateway) PushEvent(viewerID string, event map[string]interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[viewerID] = append(g.events[viewerID], event)
}

func (g *fakeGateway) CloseConnection(viewerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = append(g.closed, viewerID)
}

func (g *fakeGateway) NotifyEvent(event map[string]interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.global = append(g.global, event)
}

func (g *fakeGateway) rtpFor(viewerID string) []capturedRTP {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]capturedRTP, len(g.rtp[viewerID]))
	copy(out, g.rtp[viewerID])
	return out
}

func (g *fakeGateway) rtcpFor(viewerID string) [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]byte, len(g.rtcp[viewerID]))
	copy(out, g.rtcp[viewerID])
	return out
}

func (g *fakeGateway) dataFor(viewerID string) [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]byte, len(g.data[viewerID]))
	copy(out, g.data[viewerID])
	return out
}

func (g *fakeGateway) eventsFor(viewerID string) []map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]map[string]interface{}, len(g.events[viewerID]))
	copy(out, g.events[viewerID])
	return out
}
