package relay

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/pion/srtp/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const srtpMasterKeyLen = 16
const srtpMasterSaltLen = 14

// SRTPConfig describes the protection applied by the source: AES-CM-128 with
// a 32- or 80-bit HMAC-SHA1 tag, key material base64-encoded as key||salt.
type SRTPConfig struct {
	// TagBits is 32 or 80.
	TagBits int `yaml:"tag_bits"`

	// Key is base64(master key || master salt).
	Key string `yaml:"key"`
}

func (c *SRTPConfig) createContext() (*srtp.Context, error) {
	material, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		return nil, errors.Wrap(err, "invalid srtp key material")
	}
	if len(material) != srtpMasterKeyLen+srtpMasterSaltLen {
		return nil, errors.Errorf("srtp key material must be %d bytes, got %d",
			srtpMasterKeyLen+srtpMasterSaltLen, len(material))
	}

	var profile srtp.ProtectionProfile
	switch c.TagBits {
	case 32:
		profile = srtp.ProtectionProfileAes128CmHmacSha1_32
	case 80:
		profile = srtp.ProtectionProfileAes128CmHmacSha1_80
	default:
		return nil, errors.Errorf("unsupported srtp tag length %d", c.TagBits)
	}

	return srtp.CreateContext(material[:srtpMasterKeyLen], material[srtpMasterKeyLen:], profile)
}

// RTSPConfig points the mountpoint at an RTSP source. The handshake itself
// is delegated to a SourceAcquirer; the core only schedules reconnects.
type RTSPConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Interface string `yaml:"interface,omitempty"`
}

// AcquiredSource is what an RTSP negotiation hands back: bound sockets plus
// stream metadata. The core treats the sockets exactly like
// directly-configured RTP sockets.
type AcquiredSource struct {
	Audio     *BoundSocket
	Video     *BoundSocket
	AudioRTCP *BoundSocket
	VideoRTCP *BoundSocket

	AudioSSRC uint32
	VideoSSRC uint32

	KeepAliveInterval time.Duration
}

// SourceAcquirer performs RTSP DESCRIBE/SETUP/PLAY out of core. KeepAlive
// is called on the negotiated interval while the session is live.
type SourceAcquirer interface {
	Acquire(ctx context.Context, conf RTSPConfig) (*AcquiredSource, error)
	KeepAlive(ctx context.Context) error
	Release()
}

// RTPSource holds the live ingest state of one mountpoint: the bound socket
// set, optional SRTP context, the keyframe and last-message buffers. RTSP
// reconnects swap the whole socket set at once; partial sets never exist.
type RTPSource struct {
	audio     *BoundSocket
	video     [3]*BoundSocket
	data      *BoundSocket
	audioRTCP *BoundSocket
	videoRTCP *BoundSocket

	srtpCtx *srtp.Context

	keyframes   *KeyframeBuffer
	lastMessage atomic.Pointer[[]byte]

	activity SubstreamActivity

	lastReceived atomic.Int64 // unix nanos of any packet on any socket

	rtsp         *RTSPConfig
	acquirer     SourceAcquirer
	reconnecting atomic.Bool

	// keep-alive schedule, touched only by the ingestion goroutine
	keepAlive       time.Duration
	lastKeepAliveAt time.Time
}

func (s *RTPSource) sockets() []*BoundSocket {
	out := make([]*BoundSocket, 0, 7)
	for _, sock := range []*BoundSocket{s.audio, s.video[0], s.video[1], s.video[2], s.data, s.audioRTCP, s.videoRTCP} {
		if sock != nil {
			out = append(out, sock)
		}
	}
	return out
}

func (s *RTPSource) closeSockets() {
	for _, sock := range s.sockets() {
		_ = sock.Close()
	}
	s.audio = nil
	s.video = [3]*BoundSocket{}
	s.data = nil
	s.audioRTCP = nil
	s.videoRTCP = nil
}

func (s *RTPSource) touch(now time.Time) {
	s.lastReceived.Store(now.UnixNano())
}

// LastMessage returns the buffered data-channel message, if any.
func (s *RTPSource) LastMessage() []byte {
	msg := s.lastMessage.Load()
	if msg == nil {
		return nil
	}
	return *msg
}

func (s *RTPSource) storeLastMessage(data []byte) {
	buf := append([]byte(nil), data...)
	s.lastMessage.Store(&buf)
}
