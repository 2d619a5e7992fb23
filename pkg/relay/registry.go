package relay

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/streamgrid/relay-server/pkg/config"
	"github.com/streamgrid/relay-server/pkg/logger"
	"github.com/streamgrid/relay-server/pkg/telemetry"
)

// Registry owns every mountpoint's lifecycle. Mountpoints are addressed by
// id; no component holds back-pointers across lifecycles, so a destroyed
// mountpoint simply stops resolving.
type Registry struct {
	logger   *zap.SugaredLogger
	conf     *config.Config
	alloc    *PortAllocator
	gateway  Gateway
	acquirer SourceAcquirer

	mu          sync.RWMutex
	mountpoints map[string]*Mountpoint
	cancels     map[string]context.CancelFunc
}

func NewRegistry(conf *config.Config, gateway Gateway, acquirer SourceAcquirer) *Registry {
	return &Registry{
		logger:      logger.GetLogger("registry"),
		conf:        conf,
		alloc:       NewPortAllocator(conf.RTP.PortRangeStart, conf.RTP.PortRangeEnd),
		gateway:     gateway,
		acquirer:    acquirer,
		mountpoints: make(map[string]*Mountpoint),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Allocator exposes the shared port allocator, e.g. for an RTSP acquirer
// that needs local ports.
func (r *Registry) Allocator() *PortAllocator { return r.alloc }

// Create binds the mountpoint's sockets, starts its ingestion loop and
// registers it. Any failure rolls back fully; nothing half-created is left
// behind.
func (r *Registry) Create(conf MountpointConfig) (*Mountpoint, error) {
	if conf.ID == "" {
		return nil, errors.New("mountpoint id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.mountpoints[conf.ID]; ok {
		return nil, ErrMountpointExists
	}

	source, err := r.buildSource(&conf)
	if err != nil {
		return nil, err
	}

	mp := newMountpoint(conf, r.conf.Relay, r.gateway, source)

	ctx, cancel := context.WithCancel(context.Background())
	go mp.runIngest(ctx)

	r.mountpoints[conf.ID] = mp
	r.cancels[conf.ID] = cancel
	telemetry.ActiveMountpoints.Inc()

	r.logger.Infow("mountpoint created", "id", conf.ID, "name", conf.Name)
	r.gateway.NotifyEvent(map[string]interface{}{
		"relay":      "created",
		"mountpoint": conf.ID,
	})
	return mp, nil
}

func (r *Registry) buildSource(conf *MountpointConfig) (*RTPSource, error) {
	source := &RTPSource{}

	if conf.BufferKeyframes {
		source.keyframes = NewKeyframeBuffer()
	}
	if conf.SRTP != nil {
		srtpCtx, err := conf.SRTP.createContext()
		if err != nil {
			return nil, err
		}
		source.srtpCtx = srtpCtx
	}

	if conf.RTSP != nil {
		if r.acquirer == nil {
			return nil, ErrNoAcquirer
		}
		source.rtsp = conf.RTSP
		source.acquirer = r.acquirer
		return source, nil
	}

	var bound []*BoundSocket
	rollback := func() {
		for _, sock := range bound {
			_ = sock.Close()
		}
	}
	bind := func(port int) (*BoundSocket, error) {
		sock, err := r.alloc.Bind(BindOptions{
			Port:      port,
			Multicast: conf.Multicast,
			Interface: conf.Interface,
		})
		if err != nil {
			return nil, err
		}
		bound = append(bound, sock)
		return sock, nil
	}

	var err error
	if conf.Audio {
		if source.audio, err = bind(conf.AudioPort); err != nil {
			rollback()
			return nil, err
		}
		if conf.AudioRTCPPort > 0 {
			if source.audioRTCP, err = bind(conf.AudioRTCPPort); err != nil {
				rollback()
				return nil, err
			}
		}
	}
	if conf.Video {
		if source.video[0], err = bind(conf.VideoPorts[0]); err != nil {
			rollback()
			return nil, err
		}
		if conf.Simulcast {
			for i := 1; i < 3; i++ {
				if source.video[i], err = bind(conf.VideoPorts[i]); err != nil {
					rollback()
					return nil, err
				}
			}
		}
		if conf.VideoRTCPPort > 0 {
			if source.videoRTCP, err = bind(conf.VideoRTCPPort); err != nil {
				rollback()
				return nil, err
			}
		}
	}
	if conf.Data {
		if source.data, err = bind(conf.DataPort); err != nil {
			rollback()
			return nil, err
		}
	}
	return source, nil
}

func (r *Registry) Get(id string) (*Mountpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mp, ok := r.mountpoints[id]
	if !ok {
		return nil, ErrMountpointNotFound
	}
	return mp, nil
}

func (r *Registry) List() []MountpointInfo {
	r.mu.RLock()
	mounts := make([]*Mountpoint, 0, len(r.mountpoints))
	for _, mp := range r.mountpoints {
		mounts = append(mounts, mp)
	}
	r.mu.RUnlock()

	infos := make([]MountpointInfo, 0, len(mounts))
	for _, mp := range mounts {
		infos = append(infos, mp.Info())
	}
	return infos
}

// Destroy interrupts the mountpoint's ingestion loop, joins it and removes
// the mountpoint.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	mp, ok := r.mountpoints[id]
	if !ok {
		r.mu.Unlock()
		return ErrMountpointNotFound
	}
	cancel := r.cancels[id]
	delete(r.mountpoints, id)
	delete(r.cancels, id)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	mp.Destroy()
	telemetry.ActiveMountpoints.Dec()
	r.logger.Infow("mountpoint destroyed", "id", id)
	return nil
}

// Switch moves a viewer between mountpoints without tearing down its
// connection; the viewer's rewrite contexts absorb the stream change so its
// outgoing sequence stays contiguous.
func (r *Registry) Switch(viewerID, fromID, toID string) error {
	from, err := r.Get(fromID)
	if err != nil {
		return err
	}
	to, err := r.Get(toID)
	if err != nil {
		return err
	}

	v, err := from.Detach(viewerID)
	if err != nil {
		return err
	}
	if err := to.attachViewer(v); err != nil {
		// the target refused (being destroyed); put the viewer back
		if restoreErr := from.attachViewer(v); restoreErr != nil {
			r.gateway.CloseConnection(viewerID)
		}
		return err
	}

	r.gateway.PushEvent(viewerID, map[string]interface{}{
		"relay":      "switched",
		"mountpoint": toID,
	})
	return nil
}

// Close destroys every mountpoint, used at server shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.mountpoints))
	for id := range r.mountpoints {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Destroy(id)
	}
}
