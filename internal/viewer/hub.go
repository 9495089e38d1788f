package viewer

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"logrelay/internal/inputs"
	"logrelay/internal/protocol"
)

// DefaultQueueSize is the per-viewer send queue length.
const DefaultQueueSize = 256

// Event is one server -> viewer notification.
type Event struct {
	Type string `json:"event"` // "+msg", "+input", "-input" or "+ping"
	Data any    `json:"data"`
}

// Message is the data of a "+msg" event.
type Message struct {
	InputName string `json:"inputName"`
	Msg       string `json:"msg"`
	Stream    string `json:"stream"`
	Source    string `json:"source"`
}

// InputLister provides the inputs replayed to new viewers.
type InputLister interface {
	List() []inputs.Input
}

// Viewer is one connected viewer session.
type Viewer struct {
	ID string

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64

	mu       sync.RWMutex
	channels map[string]struct{}
}

func newViewer(id string, queueSize int) *Viewer {
	return &Viewer{
		ID:       id,
		events:   make(chan Event, queueSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
}

// Events returns the queue of events waiting to be written to the viewer.
func (v *Viewer) Events() <-chan Event {
	return v.events
}

// Done is closed once the viewer has been disconnected.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

// Activate subscribes the viewer to an input channel. The input does not
// have to exist yet.
func (v *Viewer) Activate(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.channels[name] = struct{}{}
}

// Deactivate unsubscribes the viewer from an input channel.
func (v *Viewer) Deactivate(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.channels, name)
}

// Subscribed reports whether the viewer receives messages of channel name.
func (v *Viewer) Subscribed(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.channels[name]
	return ok
}

// Subscriptions returns the channels the viewer is subscribed to.
func (v *Viewer) Subscriptions() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.channels))
	for name := range v.channels {
		names = append(names, name)
	}
	return names
}

// Dropped returns how many events were discarded because the queue was full.
func (v *Viewer) Dropped() uint64 {
	return v.dropped.Load()
}

// deliver queues ev without blocking.
func (v *Viewer) deliver(ev Event) {
	select {
	case <-v.done:
		return
	default:
	}
	select {
	case v.events <- ev:
	default:
		n := v.dropped.Add(1)
		if n%100 == 1 {
			slog.Warn("Viewer queue full, dropping event", "viewerID", v.ID, "event", ev.Type, "dropped", n)
		}
	}
}

func (v *Viewer) close() {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.channels = make(map[string]struct{})
		v.mu.Unlock()
		close(v.done)
	})
}

// Hub tracks connected viewers and fans events out to them.
type Hub struct {
	mu        sync.RWMutex
	viewers   map[string]*Viewer
	inputs    InputLister
	queueSize int

	// serial, when set, is held by whoever updates the input registry and
	// publishes the matching event.
	serial sync.Locker
}

// NewHub creates a hub replaying the inputs of lister to new viewers.
func NewHub(lister InputLister, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		viewers:   make(map[string]*Viewer),
		inputs:    lister,
		queueSize: queueSize,
	}
}

// Serialize makes Connect hold l while it snapshots the inputs and
// registers the viewer, so no registry change falls between the replay and
// the first live event. Call it before the hub is in use.
func (h *Hub) Serialize(l sync.Locker) {
	h.serial = l
}

// Connect registers a new viewer. Its queue already holds one "+input"
// event per currently known input, ahead of any live event.
func (h *Hub) Connect() *Viewer {
	if h.serial != nil {
		h.serial.Lock()
		defer h.serial.Unlock()
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	known := h.inputs.List()
	v := newViewer(uuid.NewString(), h.queueSize+len(known))
	for _, in := range known {
		v.events <- Event{Type: protocol.TypeInputAdd, Data: in}
	}
	h.viewers[v.ID] = v
	slog.Info("Viewer connected", "viewerID", v.ID, "inputs", len(known))
	return v
}

// Disconnect removes the viewer and discards its subscriptions.
func (h *Hub) Disconnect(v *Viewer) {
	h.mu.Lock()
	_, ok := h.viewers[v.ID]
	delete(h.viewers, v.ID)
	h.mu.Unlock()

	v.close()
	if ok {
		slog.Info("Viewer disconnected", "viewerID", v.ID, "dropped", v.Dropped())
	}
}

// DisconnectAll disconnects every viewer, used on shutdown.
func (h *Hub) DisconnectAll() {
	h.mu.Lock()
	viewers := h.viewers
	h.viewers = make(map[string]*Viewer)
	h.mu.Unlock()

	for _, v := range viewers {
		v.close()
	}
	if len(viewers) > 0 {
		slog.Info("Disconnected all viewers", "count", len(viewers))
	}
}

// Publish queues ev for every viewer subscribed to channel.
func (h *Hub) Publish(channel string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.viewers {
		if v.Subscribed(channel) {
			v.deliver(ev)
		}
	}
}

// Broadcast queues ev for every connected viewer.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.viewers {
		v.deliver(ev)
	}
}

// Len returns the number of connected viewers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}
