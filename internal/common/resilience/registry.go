package resilience

import (
	"sort"
	"sync"
)

// Registry hands out one breaker per name, all sharing a configuration
type Registry struct {
	cfg      Config
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a breaker registry
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Breaker returns the breaker for name, creating it on first use
func (r *Registry) Breaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, r.cfg)
		r.breakers[name] = cb
	}
	return cb
}

// AllStats returns stats for every breaker ordered by name
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Open lists the names of breakers currently open
func (r *Registry) Open() []string {
	var open []string
	for _, s := range r.AllStats() {
		if s.State == StateOpen {
			open = append(open, s.Name)
		}
	}
	return open
}
