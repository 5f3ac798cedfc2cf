package provider

import (
	"fmt"
	"sort"
	"sync"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
)

type Registry struct {
	mu       sync.RWMutex
	adapters map[domorder.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domorder.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name domorder.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

func (r *Registry) Names() []domorder.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domorder.Provider, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
