package deploy

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

type snapshot map[string]*Deployment

// Registry maps deployment ids to deployments.
//
// Reads load the current snapshot atomically and never lock. Writers take the
// build mutex, copy the snapshot, apply their change and publish the copy, so
// a reader always sees either the whole old map or the whole new one.
type Registry struct {
	buildMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := snapshot{}
	r.current.Store(&empty)
	return r
}

// Get returns the deployment registered under id.
func (r *Registry) Get(id string) (*Deployment, bool) {
	d, ok := (*r.current.Load())[id]
	return d, ok
}

// Deploy registers d. Registering an id twice is an error.
func (r *Registry) Deploy(d *Deployment) error {
	if d == nil {
		return fmt.Errorf("%w: nil deployment", ErrInvalidDeployment)
	}
	r.buildMu.Lock()
	defer r.buildMu.Unlock()

	old := *r.current.Load()
	if _, exists := old[d.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyDeployed, d.ID())
	}
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[d.ID()] = d
	r.current.Store(&next)
	return nil
}

// Undeploy removes id and returns the removed deployment.
func (r *Registry) Undeploy(id string) (*Deployment, bool) {
	r.buildMu.Lock()
	defer r.buildMu.Unlock()

	old := *r.current.Load()
	d, exists := old[id]
	if !exists {
		return nil, false
	}
	next := make(snapshot, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}
	r.current.Store(&next)
	return d, true
}

// All returns every deployment sorted by id.
func (r *Registry) All() []*Deployment {
	snap := *r.current.Load()
	out := make([]*Deployment, 0, len(snap))
	for _, d := range snap {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of deployments.
func (r *Registry) Len() int {
	return len(*r.current.Load())
}
