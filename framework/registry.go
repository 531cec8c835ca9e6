package framework

import "sync"

// Registry is the process-wide collaborator named in Design Notes §9: "a
// process-level registry that resolves framework-from-call-stack... is a
// named process-wide collaborator with documented init/teardown, not hidden
// globals." It exists so a URL stream handler installed with
// `java.protocol.handler.pkgs`-style registration (spec §6
// `framework.service.urlhandlers`) can find the Framework instance that
// registered it, without every handler closing over a *Framework directly.
//
// Grounded on the mutex-guarded package-level map idiom the teacher uses
// throughout plugins.Manager (pluginStatus, pluginStatusListeners); unlike
// those, this one is process-wide rather than per-Manager, since a URL
// handler is itself process-wide (registered once via url.RegisterProtocol-
// style APIs, shared by every Framework in the process).
type Registry struct {
	mu     sync.RWMutex
	byID   map[int64]*Framework
	nextID int64
}

// NewRegistry constructs an empty Registry. Most callers want the
// process-wide DefaultRegistry instead.
func NewRegistry() *Registry {
	return &Registry{byID: map[int64]*Framework{}}
}

// DefaultRegistry is the process-wide Registry instance Framework.Init
// registers into when `framework.service.urlhandlers` is enabled.
var DefaultRegistry = NewRegistry()

// Register adds f and returns the ID a URL handler can later use with Get.
func (r *Registry) Register(f *Framework) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.byID[id] = f
	return id
}

// Unregister removes the Framework previously returned by Register under id.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Get returns the Framework registered under id, or nil.
func (r *Registry) Get(id int64) *Framework {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// All returns every currently registered Framework, for diagnostics.
func (r *Registry) All() []*Framework {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Framework, 0, len(r.byID))
	for _, f := range r.byID {
		out = append(out, f)
	}
	return out
}
