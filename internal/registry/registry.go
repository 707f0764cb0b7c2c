// Package registry holds the in-memory table of service descriptors. It is
// pure data: starting, stopping and connecting services is the bridge's job.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind discriminates how a service is reached.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Connection types accepted for remote services.
const (
	ConnectionHTTPStream = "http-stream"
	ConnectionSSE        = "sse"
)

// Descriptor describes one registered service. Name is the unique key.
type Descriptor struct {
	Name string
	Kind Kind

	// Local services.
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string

	// Remote services.
	Endpoint       string
	ConnectionType string

	Description string
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// Valid reports whether the descriptor satisfies the per-kind requirements:
// local needs a command, remote needs an endpoint.
func (d Descriptor) Valid() bool {
	if strings.TrimSpace(d.Name) == "" {
		return false
	}
	switch d.Kind {
	case KindLocal:
		return strings.TrimSpace(d.Command) != ""
	case KindRemote:
		return strings.TrimSpace(d.Endpoint) != ""
	default:
		return false
	}
}

// clone returns a deep copy so callers can never alias registry state.
func (d Descriptor) clone() Descriptor {
	out := d
	if len(d.Args) > 0 {
		out.Args = append([]string(nil), d.Args...)
	}
	if len(d.Env) > 0 {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	return out
}

// Registry is the in-memory descriptor table. All failure is communicated via
// boolean or ok returns so the dispatcher can shape structured error replies.
type Registry struct {
	mu       sync.Mutex
	services map[string]Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{services: make(map[string]Descriptor)}
}

// Register validates and stores the descriptor. An existing name is
// overwritten (last write wins, no merge). Returns false with no side effect
// when the descriptor is invalid.
func (r *Registry) Register(d Descriptor) bool {
	if !d.Valid() {
		return false
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[d.Name] = d.clone()
	return true
}

// Unregister removes the named descriptor, reporting whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; !ok {
		return false
	}
	delete(r.services, name)
	return true
}

// Get returns a copy of the named descriptor.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.services[name]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// List returns copies of all descriptors ordered by name.
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.services))
	for _, d := range r.services {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of registered services.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.services)
}

// Touch records that the named service was just used.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.services[name]; ok {
		d.LastUsedAt = time.Now().UTC()
		r.services[name] = d
	}
}

// Clear removes every descriptor.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = make(map[string]Descriptor)
}
