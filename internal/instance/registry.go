package instance

import (
	"sort"
	"sync"
	"time"
)

// Registry maps instance ids to their state.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	now       func() time.Time
}

// NewRegistry returns an empty registry. now defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{instances: make(map[string]*Instance), now: now}
}

// GetOrCreate returns the instance for id, creating a disconnected one on
// first use. created reports whether it was new.
func (r *Registry) GetOrCreate(id string) (inst *Instance, created bool, err error) {
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if ok {
		return inst, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		return inst, false, nil
	}
	inst = newInstance(id, r.now)
	r.instances[id] = inst
	return inst, true, nil
}

func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Remove drops id and returns what was stored, if anything.
func (r *Registry) Remove(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	return inst, ok
}

// List returns every instance ordered by id.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Counts tallies instances per state.
type Counts struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Connecting   int `json:"connecting"`
	Disconnected int `json:"disconnected"`
}

func (r *Registry) Counts() Counts {
	var c Counts
	for _, inst := range r.List() {
		c.Total++
		switch inst.State() {
		case StateConnected:
			c.Connected++
		case StateConnecting:
			c.Connecting++
		default:
			c.Disconnected++
		}
	}
	return c
}
