package relay

import "github.com/pion/rtp"

// Gateway is the host's transport surface. The relay core never owns the
// viewer connection; it hands every outgoing packet and event to these
// callbacks.
type Gateway interface {
	RelayRTP(viewerID string, pkt *rtp.Packet)
	RelayRTCP(viewerID string, data []byte)
	RelayData(viewerID string, data []byte)

	// PushEvent delivers a per-viewer json event (layer changes etc.).
	PushEvent(viewerID string, event map[string]interface{})

	CloseConnection(viewerID string)

	// NotifyEvent delivers a mountpoint-level json event.
	NotifyEvent(event map[string]interface{})
}

// Recorder receives decoded frames after all protocol processing. Recording
// formats live outside the core.
type Recorder interface {
	SaveFrame(codec Codec, data []byte) error
	Close() error
}
