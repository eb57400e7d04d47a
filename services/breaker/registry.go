package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds one breaker per provider, created lazily on first use
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry using cfg for every breaker
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a provider, creating it closed if absent
func (r *Registry) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[provider]
	if !ok {
		b = New(provider, r.cfg, r.logger)
		r.breakers[provider] = b
	}
	return b
}

// Snapshots returns the current state of every known breaker
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
