package relay

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/streamgrid/relay-server/pkg/logger"
)

// helperExit is the queue sentinel that terminates a worker.
var helperExit = &Packet{}

// helperWorker owns a FIFO of cloned packets and a subset of the
// mountpoint's viewers. Packets must be clones: workers run concurrently
// with the ingestion loop and with each other, so they cannot share one
// mutable buffer.
type helperWorker struct {
	id     int
	logger *zap.SugaredLogger

	queueMu sync.Mutex
	queueCv *sync.Cond
	queue   deque.Deque[*Packet]

	viewersMu sync.RWMutex
	viewers   map[string]*Viewer
	shadow    []*Viewer

	activity *SubstreamActivity
	done     chan struct{}
}

func newHelperWorker(id int, activity *SubstreamActivity, log *zap.SugaredLogger) *helperWorker {
	w := &helperWorker{
		id:       id,
		logger:   log.With("helper", id),
		viewers:  make(map[string]*Viewer),
		activity: activity,
		done:     make(chan struct{}),
	}
	w.queueCv = sync.NewCond(&w.queueMu)
	return w
}

func (w *helperWorker) push(pkt *Packet) {
	w.queueMu.Lock()
	w.queue.PushBack(pkt)
	w.queueMu.Unlock()
	w.queueCv.Signal()
}

func (w *helperWorker) run() {
	for {
		w.queueMu.Lock()
		for w.queue.Len() == 0 {
			w.queueCv.Wait()
		}
		pkt := w.queue.PopFront()
		w.queueMu.Unlock()

		if pkt == helperExit {
			close(w.done)
			return
		}

		now := time.Now()
		for _, v := range w.snapshot() {
			v.forward(pkt, w.activity, now)
		}
	}
}

func (w *helperWorker) snapshot() []*Viewer {
	w.viewersMu.RLock()
	defer w.viewersMu.RUnlock()
	return w.shadow
}

func (w *helperWorker) addViewer(v *Viewer) {
	w.viewersMu.Lock()
	defer w.viewersMu.Unlock()
	w.viewers[v.id] = v
	w.reshadow()
}

func (w *helperWorker) removeViewer(id string) bool {
	w.viewersMu.Lock()
	defer w.viewersMu.Unlock()
	if _, ok := w.viewers[id]; !ok {
		return false
	}
	delete(w.viewers, id)
	w.reshadow()
	return true
}

func (w *helperWorker) viewerCount() int {
	w.viewersMu.RLock()
	defer w.viewersMu.RUnlock()
	return len(w.viewers)
}

func (w *helperWorker) reshadow() {
	w.shadow = make([]*Viewer, 0, len(w.viewers))
	for _, v := range w.viewers {
		w.shadow = append(w.shadow, v)
	}
}

// HelperPool scales forwarding across worker goroutines. Viewers are pinned
// to the least-loaded worker at subscribe time; the union of all worker
// subsets is always exactly the mountpoint's helper-assigned viewer set.
type HelperPool struct {
	workers []*helperWorker
}

func newHelperPool(n int, activity *SubstreamActivity, log *zap.SugaredLogger) *HelperPool {
	if log == nil {
		log = logger.GetLogger("helper")
	}
	p := &HelperPool{}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, newHelperWorker(i, activity, log))
	}
	return p
}

func (p *HelperPool) start() {
	for _, w := range p.workers {
		go w.run()
	}
}

func (p *HelperPool) empty() bool {
	return p == nil || len(p.workers) == 0
}

// assign pins a viewer to the worker with the fewest viewers.
func (p *HelperPool) assign(v *Viewer) *helperWorker {
	var best *helperWorker
	bestCount := -1
	for _, w := range p.workers {
		if c := w.viewerCount(); best == nil || c < bestCount {
			best = w
			bestCount = c
		}
	}
	best.addViewer(v)
	return best
}

func (p *HelperPool) remove(viewerID string) {
	for _, w := range p.workers {
		if w.removeViewer(viewerID) {
			return
		}
	}
}

// dispatch clones the packet once per worker that has viewers.
func (p *HelperPool) dispatch(pkt *Packet) {
	for _, w := range p.workers {
		if w.viewerCount() == 0 {
			continue
		}
		w.push(pkt.Clone())
	}
}

// stop terminates every worker via the queue sentinel and joins them.
func (p *HelperPool) stop() {
	for _, w := range p.workers {
		w.push(helperExit)
	}
	for _, w := range p.workers {
		<-w.done
	}
}
