package breaker

import "sync"

// StateObserver is notified of state transitions with the owning
// service key.
type StateObserver func(service string, from, to State)

// Registry hands out one Breaker per logical service key, so failures in
// one upstream grouping don't penalize unrelated calls.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
	observer StateObserver
}

// NewRegistry creates a Registry. The options are applied to every breaker
// it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Observe installs a service-aware transition observer. It applies to
// breakers created after the call, so install it before any Get.
func (r *Registry) Observe(fn StateObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Get returns the breaker for the given service key, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[service]
	if !ok {
		opts := r.opts
		if r.observer != nil {
			observer := r.observer
			opts = append(opts[:len(opts):len(opts)], WithStateChange(func(from, to State) {
				observer(service, from, to)
			}))
		}
		b = New(opts...)
		r.breakers[service] = b
	}
	return b
}
