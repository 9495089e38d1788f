package inputs

import (
	"sync"

	"logrelay/internal/protocol"
)

// Input is a logical (stream, source) pair. Name is the viewer channel key.
type Input struct {
	Name   string `json:"inputName"`
	Stream string `json:"stream"`
	Source string `json:"source"`
}

// NameOf derives the channel name of a (stream, source) pair. The separator
// never occurs inside a decoded field, so distinct pairs never share a name.
func NameOf(stream, source string) string {
	return stream + protocol.Separator + source
}

// Registry tracks the inputs currently known to the relay.
// All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Input
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Input),
	}
}

// Add registers the pair if needed and returns its name.
func (r *Registry) Add(stream, source string) string {
	name := NameOf(stream, source)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return name
	}
	r.byName[name] = Input{Name: name, Stream: stream, Source: source}
	r.order = append(r.order, name)
	return name
}

// Remove forgets the pair and returns its name. Unknown pairs are ignored.
func (r *Registry) Remove(stream, source string) string {
	name := NameOf(stream, source)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return name
	}
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return name
}

// Get returns the input registered under name.
func (r *Registry) Get(name string) (Input, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.byName[name]
	return in, ok
}

// List returns a snapshot of all inputs in registration order.
func (r *Registry) List() []Input {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Input, 0, len(r.order))
	for _, name := range r.order {
		list = append(list, r.byName[name])
	}
	return list
}

// Len returns the number of registered inputs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
