package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Presets carry per-dependency tuning. Registry.Get falls back to
// DefaultConfig for names without a preset.
type Presets map[string]Config

// DefaultPresets returns the tuning used in production for the upstream
// dependencies the API talks to.
func DefaultPresets() Presets {
	return Presets{
		"royalmail": {
			FailureThreshold: 3,
			ResetTimeout:     60 * time.Second,
			SuccessThreshold: 2,
			Timeout:          5 * time.Second,
		},
		"stripe": {
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
			Timeout:          10 * time.Second,
		},
	}
}

// RegistryDeps carries the collaborators a Registry needs.
type RegistryDeps struct {
	// Presets maps breaker names to their config. Optional.
	Presets Presets
	// DefaultConfig applies to names without a preset. Zero values use
	// the package defaults.
	DefaultConfig Config
	// Metrics registers breaker collectors when non-nil.
	Metrics prometheus.Registerer
	// Logger receives state-change events. Optional.
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// Registry hands out named breakers, creating each one on first use.
// It is safe for concurrent use.
type Registry struct {
	deps    RegistryDeps
	metrics *metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds an empty registry.
func NewRegistry(deps RegistryDeps) *Registry {
	return &Registry{
		deps:     deps,
		metrics:  newMetrics(deps.Metrics),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first call. An optional
// config overrides the preset for that first call; once a breaker exists the
// same instance is returned and later overrides are ignored.
func (r *Registry) Get(name string, override ...Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.deps.Presets[name]
	if !ok {
		cfg = r.deps.DefaultConfig
	}
	if len(override) > 0 {
		cfg = override[len(override)-1]
	}
	r.hookStateLogging(name, &cfg)
	b := newBreaker(name, cfg, r.metrics)
	r.breakers[name] = b
	return b
}

// hookStateLogging chains the registry logger behind any preset callbacks.
func (r *Registry) hookStateLogging(name string, cfg *Config) {
	if r.deps.Logger == nil {
		return
	}
	log := r.deps.Logger
	wrap := func(prev func(string), event string) func(string) {
		return func(n string) {
			log(context.Background(), event, map[string]any{"breaker": n})
			if prev != nil {
				prev(n)
			}
		}
	}
	cfg.OnOpen = wrap(cfg.OnOpen, "breaker.opened")
	cfg.OnHalfOpen = wrap(cfg.OnHalfOpen, "breaker.half_open")
	cfg.OnClose = wrap(cfg.OnClose, "breaker.closed")
}

// Call executes fn through the named breaker. The fallback, when given,
// applies only to open-circuit rejections; timeouts and upstream failures
// propagate so they keep counting against the breaker's caller.
func (r *Registry) Call(ctx context.Context, name string, fn func(ctx context.Context) error, fallback func(ctx context.Context, cause error) error) error {
	err := r.Get(name).Execute(ctx, fn)
	if err == nil || fallback == nil {
		return err
	}
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return fallback(ctx, err)
	}
	return err
}

// Stats snapshots every breaker the registry has created, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetAll forces every breaker back to closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Clear drops every breaker so the next Get rebuilds from config.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
}
