// Package breaker implements a per-service circuit breaker for outbound calls.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker short-circuits a call without
// attempting it. Callers can distinguish it from a real upstream error
// and apply a different backoff.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker's finite state.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default breaker tuning.
const (
	DefaultThreshold      = 5
	DefaultWindowDuration = 1 * time.Minute
	DefaultResetTimeout   = 30 * time.Second
)

// Breaker guards calls to a single logical upstream service.
// While Closed it counts failures inside a rolling window; after the
// threshold is reached it transitions to Open and fails fast until the
// reset timeout elapses, then allows exactly one trial call (HalfOpen).
type Breaker struct {
	mu sync.Mutex

	threshold      int
	windowDuration time.Duration
	resetTimeout   time.Duration
	now            func() time.Time

	state         State
	failureCount  int
	windowStart   time.Time
	openedAt      time.Time
	trialInFlight bool

	onStateChange func(from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the number of countable failures that open the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithWindowDuration sets the rolling failure-counting window.
func WithWindowDuration(d time.Duration) Option {
	return func(b *Breaker) { b.windowDuration = d }
}

// WithResetTimeout sets how long the breaker stays open before allowing
// a trial call.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked on every state transition.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a Breaker with the default tuning.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold:      DefaultThreshold,
		windowDuration: DefaultWindowDuration,
		resetTimeout:   DefaultResetTimeout,
		now:            time.Now,
		state:          Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, accounting for reset-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return HalfOpen
	}
	return b.state
}

// Execute runs fn behind the breaker. shouldCount decides which errors
// count as breaker failures; errors that don't count (auth failures,
// rate limits) pass through without affecting the state. Returns ErrOpen
// without calling fn when the breaker is open.
func (b *Breaker) Execute(fn func() error, shouldCount func(error) bool) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()
	b.afterCall(err, shouldCount)
	return err
}

// beforeCall checks admission and performs the Open -> HalfOpen transition.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrOpen
		}
		// Reset timeout elapsed: allow exactly one trial call.
		b.transition(HalfOpen)
		b.trialInFlight = true
		return nil
	case HalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// afterCall records the outcome of a permitted call.
func (b *Breaker) afterCall(err error, shouldCount func(error) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failure := err != nil && shouldCount != nil && shouldCount(err)

	switch b.state {
	case HalfOpen:
		b.trialInFlight = false
		if failure {
			b.openedAt = b.now()
			b.transition(Open)
			return
		}
		if err == nil {
			b.failureCount = 0
			b.windowStart = time.Time{}
			b.transition(Closed)
		}
		// A non-countable error (e.g. 401) leaves the trial inconclusive;
		// stay half-open so the next call retries the trial.
	case Closed:
		if !failure {
			return
		}
		now := b.now()
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.windowDuration {
			// Start a fresh window.
			b.windowStart = now
			b.failureCount = 0
		}
		b.failureCount++
		if b.failureCount >= b.threshold {
			b.openedAt = now
			b.transition(Open)
		}
	}
}

// transition changes state and fires the callback. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
