package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"logrelay/internal/inputs"
	"logrelay/internal/protocol"
	"logrelay/internal/viewer"
)

// Registry resolves (stream, source) pairs to input names.
type Registry interface {
	Add(stream, source string) string
	Remove(stream, source string) string
}

// Publisher delivers events to viewers without blocking.
type Publisher interface {
	Publish(channel string, ev viewer.Event)
	Broadcast(ev viewer.Event)
}

// Serializer is implemented by publishers that replay registry state to new
// subscribers and must do so in step with Dispatch.
type Serializer interface {
	Serialize(l sync.Locker)
}

// Router turns decoded records into registry updates and viewer events.
type Router struct {
	registry  Registry
	publisher Publisher
	debug     bool

	// mu makes each registry update and its delivery one step, so viewers
	// never see events out of order with the registry.
	mu sync.Mutex

	dispatched atomic.Uint64
	rejected   atomic.Uint64
}

func NewRouter(registry Registry, publisher Publisher, debug bool) *Router {
	r := &Router{
		registry:  registry,
		publisher: publisher,
		debug:     debug,
	}
	if s, ok := publisher.(Serializer); ok {
		s.Serialize(&r.mu)
	}
	return r
}

// Dispatch handles one record. Delivery never waits on viewers.
func (r *Router) Dispatch(rec protocol.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch rec.Type {
	case protocol.TypeMessage:
		name := r.registry.Add(rec.Stream, rec.Source)
		r.publisher.Publish(name, viewer.Event{
			Type: rec.Type,
			Data: viewer.Message{InputName: name, Msg: rec.Payload, Stream: rec.Stream, Source: rec.Source},
		})
		r.publisher.Broadcast(viewer.Event{
			Type: protocol.TypeInputAlive,
			Data: inputs.Input{Name: name, Stream: rec.Stream, Source: rec.Source},
		})
	case protocol.TypeInputAdd:
		name := r.registry.Add(rec.Stream, rec.Source)
		r.publisher.Broadcast(viewer.Event{
			Type: rec.Type,
			Data: inputs.Input{Name: name, Stream: rec.Stream, Source: rec.Source},
		})
	case protocol.TypeInputDel:
		name := r.registry.Remove(rec.Stream, rec.Source)
		r.publisher.Broadcast(viewer.Event{
			Type: rec.Type,
			Data: inputs.Input{Name: name, Stream: rec.Stream, Source: rec.Source},
		})
	default:
		r.rejected.Add(1)
		return fmt.Errorf("dispatch %q: %w", rec.Type, protocol.ErrUnknownType)
	}

	r.dispatched.Add(1)
	if r.debug {
		slog.Debug("Dispatched record", "record", rec.String())
	}
	return nil
}

// DispatchAll handles records in order and returns how many were
// dispatched. A failing record does not stop the rest.
func (r *Router) DispatchAll(records []protocol.Record) int {
	n := 0
	for _, rec := range records {
		if err := r.Dispatch(rec); err != nil {
			slog.Error("Failed to dispatch record", "error", err)
			continue
		}
		n++
	}
	return n
}

// Reject counts a record dropped before it reached the router.
func (r *Router) Reject() {
	r.rejected.Add(1)
}

// RouterStats counts records handled since start.
type RouterStats struct {
	Dispatched uint64 `json:"dispatched"`
	Rejected   uint64 `json:"rejected"`
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		Dispatched: r.dispatched.Load(),
		Rejected:   r.rejected.Load(),
	}
}
