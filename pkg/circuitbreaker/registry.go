package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds one breaker per named downstream dependency. Breakers are
// created lazily on first use, all with the same configuration.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(dependency string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	b = New(dependency, r.cfg)
	r.breakers[dependency] = b
	return b
}

func (r *Registry) Allow(dependency string) bool {
	return r.Get(dependency).Allow()
}

func (r *Registry) RecordSuccess(dependency string) {
	r.Get(dependency).RecordSuccess()
}

func (r *Registry) RecordFailure(dependency, reason string) {
	r.Get(dependency).RecordFailure(reason)
}

// States snapshots the current state of every known breaker, for the health
// and metrics surfaces.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
