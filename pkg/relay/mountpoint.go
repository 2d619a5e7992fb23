package relay

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/streamgrid/relay-server/pkg/config"
	"github.com/streamgrid/relay-server/pkg/logger"
	"github.com/streamgrid/relay-server/pkg/telemetry"
)

// CodecsDescriptor is the fixed media description of a mountpoint. The relay
// never negotiates; whatever is configured here is what viewers get.
type CodecsDescriptor struct {
	AudioPayloadType uint8  `yaml:"audio_pt,omitempty"`
	AudioRTPMap      string `yaml:"audio_rtpmap,omitempty"`
	AudioFmtp        string `yaml:"audio_fmtp,omitempty"`
	AudioClockRate   uint32 `yaml:"audio_clock_rate,omitempty"`

	VideoPayloadType uint8  `yaml:"video_pt,omitempty"`
	VideoCodec       string `yaml:"video_codec,omitempty"`
	VideoRTPMap      string `yaml:"video_rtpmap,omitempty"`
	VideoFmtp        string `yaml:"video_fmtp,omitempty"`
	VideoClockRate   uint32 `yaml:"video_clock_rate,omitempty"`
}

type MountpointConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`

	Audio bool `yaml:"audio"`
	Video bool `yaml:"video"`
	Data  bool `yaml:"data"`

	Codecs CodecsDescriptor `yaml:"codecs,omitempty"`

	// explicit ports; 0 draws from the allocator range
	AudioPort     int    `yaml:"audio_port,omitempty"`
	AudioRTCPPort int    `yaml:"audio_rtcp_port,omitempty"`
	VideoPorts    [3]int `yaml:"video_ports,omitempty"`
	VideoRTCPPort int    `yaml:"video_rtcp_port,omitempty"`
	DataPort      int    `yaml:"data_port,omitempty"`

	Multicast string `yaml:"multicast,omitempty"`
	Interface string `yaml:"interface,omitempty"`

	SRTP *SRTPConfig `yaml:"srtp,omitempty"`
	RTSP *RTSPConfig `yaml:"rtsp,omitempty"`

	// VideoPorts[1] and [2] only bind when Simulcast is set
	Simulcast bool `yaml:"simulcast,omitempty"`

	// VP9 SVC layer selection
	SVC bool `yaml:"svc,omitempty"`

	BufferKeyframes   bool `yaml:"buffer_keyframes,omitempty"`
	BufferLastMessage bool `yaml:"buffer_last_message,omitempty"`
	SkewCompensation  bool `yaml:"skew_compensation,omitempty"`

	// per-mountpoint override of the global helper count, -1 forces direct
	HelperWorkers int `yaml:"helper_workers,omitempty"`
}

// MountpointInfo is a plain snapshot for an external control plane.
type MountpointInfo struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	Viewers     int
	AudioPort   int
	VideoPorts  [3]int
	DataPort    int
	VideoCodec  string
	Age         time.Duration
}

// Mountpoint is one named media source and its subscribing viewers. Exactly
// one ingestion goroutine runs while the mountpoint is live; lock order is
// always mountpoint before viewer state.
type Mountpoint struct {
	conf      MountpointConfig
	relayConf config.RelayConfig
	logger    *zap.SugaredLogger
	gateway   Gateway

	source *RTPSource

	audioObserver *rtcpObserver
	videoObserver *rtcpObserver

	lock    sync.Mutex
	viewers map[string]*Viewer
	shadow  []*Viewer
	helpers *HelperPool

	recorderMu sync.Mutex
	recorders  map[MediaKind]Recorder

	enabled   atomic.Bool
	destroyed core.Fuse
	done      chan struct{}

	createdAt  time.Time
	videoCodec Codec
}

func newMountpoint(conf MountpointConfig, relayConf config.RelayConfig, gateway Gateway, source *RTPSource) *Mountpoint {
	m := &Mountpoint{
		conf:       conf,
		relayConf:  relayConf,
		logger:     logger.GetLogger("mountpoint").With("id", conf.ID),
		gateway:    gateway,
		source:     source,
		viewers:    make(map[string]*Viewer),
		destroyed:  core.NewFuse(),
		recorders:  make(map[MediaKind]Recorder),
		done:       make(chan struct{}),
		createdAt:  time.Now(),
		videoCodec: CodecFromName(conf.Codecs.VideoCodec),
	}
	m.enabled.Store(true)

	m.audioObserver = newRTCPObserver(MediaAudio, stableSSRC(conf.ID, 100), relayConf.PLIInterval, relayConf.REMBInterval, m.logger)
	m.videoObserver = newRTCPObserver(MediaVideo, stableSSRC(conf.ID, 101), relayConf.PLIInterval, relayConf.REMBInterval, m.logger)
	m.audioObserver.setSocket(source.audioRTCP)
	m.videoObserver.setSocket(source.videoRTCP)

	helperCount := relayConf.HelperWorkers
	if conf.HelperWorkers > 0 {
		helperCount = conf.HelperWorkers
	} else if conf.HelperWorkers < 0 {
		helperCount = 0
	}
	if helperCount > 0 {
		m.helpers = newHelperPool(helperCount, &source.activity, m.logger)
		m.helpers.start()
	}
	return m
}

func (m *Mountpoint) ID() string { return m.conf.ID }

func (m *Mountpoint) Enabled() bool { return m.enabled.Load() }

// Enable resumes forwarding after a Disable.
func (m *Mountpoint) Enable() { m.enabled.Store(true) }

// Disable keeps the ingestion loop reading (so liveness tracking continues)
// but stops all forwarding.
func (m *Mountpoint) Disable() { m.enabled.Store(false) }

func (m *Mountpoint) Info() MountpointInfo {
	m.lock.Lock()
	viewers := len(m.viewers)
	m.lock.Unlock()

	info := MountpointInfo{
		ID:          m.conf.ID,
		Name:        m.conf.Name,
		Description: m.conf.Description,
		Enabled:     m.enabled.Load(),
		Viewers:     viewers,
		VideoCodec:  m.conf.Codecs.VideoCodec,
		Age:         time.Since(m.createdAt),
	}
	if m.source.audio != nil {
		info.AudioPort = m.source.audio.Port
	}
	if m.source.data != nil {
		info.DataPort = m.source.data.Port
	}
	for i, sock := range m.source.video {
		if sock != nil {
			info.VideoPorts[i] = sock.Port
		}
	}
	return info
}

// Attach subscribes a new viewer and replays buffered media (the latest
// keyframe and, for data, the last message) so it can render immediately.
func (m *Mountpoint) Attach(conf ViewerConfig) (*Viewer, error) {
	v := newViewer(conf, m.gateway)
	if err := m.attachViewer(v); err != nil {
		return nil, err
	}
	return v, nil
}

// armViewer points the viewer's feedback path and layer selectors at this
// mountpoint. The whole target swaps at once, so a forward racing a switch
// sees either the old mountpoint's state or the new one, never a mix.
func (m *Mountpoint) armViewer(v *Viewer) {
	tgt := &relayTarget{requestPLI: m.pliForViewer()}
	if m.conf.SVC {
		tgt.svc = NewSVCContext(m.relayConf.SVCActivityWindow)
	}
	if m.conf.Simulcast {
		tgt.simulcast = NewSimulcastContext(m.relayConf.SimulcastFallback)
	}
	v.target.Store(tgt)
}

func (m *Mountpoint) attachViewer(v *Viewer) error {
	if m.destroyed.IsBroken() {
		return ErrMountpointDestroyed
	}

	m.armViewer(v)

	// media-ready replay bypasses the started gate; it runs before the
	// viewer is visible to dispatch, so nothing else touches its rewrite
	// state concurrently
	var keyframe []*Packet
	if m.conf.BufferKeyframes && m.source.keyframes != nil {
		keyframe = m.source.keyframes.Latest()
	}
	var lastMessage []byte
	if m.conf.BufferLastMessage {
		lastMessage = m.source.LastMessage()
	}
	v.replay(keyframe, lastMessage)

	m.lock.Lock()
	if m.destroyed.IsBroken() {
		m.lock.Unlock()
		return ErrMountpointDestroyed
	}
	m.viewers[v.id] = v
	if m.helpers.empty() {
		m.reshadowLocked()
	} else {
		m.helpers.assign(v)
	}
	m.lock.Unlock()

	telemetry.ActiveViewers.Inc()
	return nil
}

// Detach removes a viewer; the caller decides whether the connection closes.
func (m *Mountpoint) Detach(viewerID string) (*Viewer, error) {
	m.lock.Lock()
	v, ok := m.viewers[viewerID]
	if !ok {
		m.lock.Unlock()
		return nil, ErrViewerNotFound
	}
	delete(m.viewers, viewerID)
	if m.helpers.empty() {
		m.reshadowLocked()
	} else {
		m.helpers.remove(viewerID)
	}
	m.lock.Unlock()

	telemetry.ActiveViewers.Dec()
	return v, nil
}

func (m *Mountpoint) Viewer(viewerID string) (*Viewer, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	v, ok := m.viewers[viewerID]
	return v, ok
}

// ProcessViewerFeedback relays RTCP received from a viewer connection into
// the upstream feedback path.
func (m *Mountpoint) ProcessViewerFeedback(data []byte) {
	m.videoObserver.handleViewerFeedback(data)
}

// relayRTCPToViewers fans sender reports from the source out to every live
// viewer connection.
func (m *Mountpoint) relayRTCPToViewers(kind MediaKind, data []byte) {
	m.lock.Lock()
	viewers := make([]*Viewer, 0, len(m.viewers))
	for _, v := range m.viewers {
		viewers = append(viewers, v)
	}
	m.lock.Unlock()

	for _, v := range viewers {
		v.forwardRTCP(kind, data)
	}
}

// SetRecorder installs (or, with nil, removes) the recording collaborator
// for one media kind.
func (m *Mountpoint) SetRecorder(kind MediaKind, rec Recorder) {
	m.recorderMu.Lock()
	defer m.recorderMu.Unlock()
	if rec == nil {
		delete(m.recorders, kind)
		return
	}
	m.recorders[kind] = rec
}

func (m *Mountpoint) closeRecorders() {
	m.recorderMu.Lock()
	defer m.recorderMu.Unlock()
	for kind, rec := range m.recorders {
		if err := rec.Close(); err != nil {
			m.logger.Warnw("recorder close failed", "kind", kind.String(), "error", err)
		}
		delete(m.recorders, kind)
	}
}

func (m *Mountpoint) feedRecorder(kind MediaKind, codec Codec, payload []byte) {
	m.recorderMu.Lock()
	rec := m.recorders[kind]
	m.recorderMu.Unlock()
	if rec == nil {
		return
	}
	if err := rec.SaveFrame(codec, payload); err != nil {
		m.logger.Debugw("recorder write failed", "error", err)
	}
}

func (m *Mountpoint) reshadowLocked() {
	m.shadow = make([]*Viewer, 0, len(m.viewers))
	for _, v := range m.viewers {
		m.shadow = append(m.shadow, v)
	}
}

func (m *Mountpoint) directViewers() []*Viewer {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.shadow
}

func (m *Mountpoint) pliForViewer() func() {
	return func() {
		telemetry.PLISent.Inc()
		m.videoObserver.requestPLI()
	}
}

// Destroy stops the ingestion loop, joins it, terminates helpers and closes
// every viewer connection. Safe to call once; later calls are no-ops.
func (m *Mountpoint) Destroy() {
	m.destroyed.Once(func() {
		<-m.done

		if !m.helpers.empty() {
			m.helpers.stop()
		}

		m.lock.Lock()
		viewers := make([]*Viewer, 0, len(m.viewers))
		for _, v := range m.viewers {
			viewers = append(viewers, v)
		}
		m.viewers = make(map[string]*Viewer)
		m.shadow = nil
		m.lock.Unlock()

		for _, v := range viewers {
			v.Stop()
			m.gateway.CloseConnection(v.id)
			telemetry.ActiveViewers.Dec()
		}

		m.closeRecorders()
		m.source.closeSockets()

		m.gateway.NotifyEvent(map[string]interface{}{
			"relay":      "destroyed",
			"mountpoint": m.conf.ID,
		})
	})
}
