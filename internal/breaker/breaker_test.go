package breaker

import (
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")

func countAll(err error) bool { return true }

// fakeClock is a controllable time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock, threshold int) *Breaker {
	return New(
		WithThreshold(threshold),
		WithWindowDuration(time.Minute),
		WithResetTimeout(30*time.Second),
		WithClock(clock.now),
	)
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(func() error { return errUpstream }, countAll)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, 5)

	failN(b, 4)
	if got := b.State(); got != Closed {
		t.Fatalf("after 4 failures state = %v, want Closed", got)
	}

	failN(b, 1)
	if got := b.State(); got != Open {
		t.Fatalf("after 5 failures state = %v, want Open", got)
	}

	// While open, fn must not run.
	called := false
	err := b.Execute(func() error { called = true; return nil }, countAll)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Execute() error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("Execute() ran fn while breaker was open")
	}
}

func TestBreakerWindowExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, 5)

	failN(b, 4)
	clock.advance(2 * time.Minute)

	// Window expired: old failures no longer count.
	failN(b, 4)
	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want Closed (stale failures should not count)", got)
	}

	failN(b, 1)
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want Open", got)
	}
}

func TestBreakerHalfOpenTrialSuccess(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, 5)
	failN(b, 5)

	clock.advance(31 * time.Second)

	calls := 0
	if err := b.Execute(func() error { calls++; return nil }, countAll); err != nil {
		t.Fatalf("trial call error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("trial made %d calls, want 1", calls)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state after successful trial = %v, want Closed", got)
	}

	// Counter reset: a single new failure must not reopen.
	failN(b, 1)
	if got := b.State(); got != Closed {
		t.Fatalf("state after 1 failure post-reset = %v, want Closed", got)
	}
}

func TestBreakerHalfOpenTrialFailure(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, 5)
	failN(b, 5)

	clock.advance(31 * time.Second)
	failN(b, 1)

	if got := b.State(); got != Open {
		t.Fatalf("state after failed trial = %v, want Open", got)
	}

	// openedAt was refreshed: still open just short of the new timeout.
	clock.advance(29 * time.Second)
	err := b.Execute(func() error { return nil }, countAll)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Execute() error = %v, want ErrOpen (openedAt should have been refreshed)", err)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, 5)
	failN(b, 5)
	clock.advance(31 * time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(entered)
			<-release
			return nil
		}, countAll)
	}()

	// Wait until the trial call is admitted.
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("trial call was never admitted")
	}

	// Second call during the trial is rejected.
	if err := b.Execute(func() error { return nil }, countAll); !errors.Is(err, ErrOpen) {
		t.Fatalf("concurrent call error = %v, want ErrOpen", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial call error = %v", err)
	}
}

func TestBreakerPredicateFiltersFailures(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, 5)

	errAuth := errors.New("unauthenticated")
	onlyUpstream := func(err error) bool { return errors.Is(err, errUpstream) }

	for i := 0; i < 10; i++ {
		_ = b.Execute(func() error { return errAuth }, onlyUpstream)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want Closed (auth errors must not count)", got)
	}
}

func TestRegistryIsolatesServices(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	r := NewRegistry(WithThreshold(5), WithClock(clock.now))

	failN(r.Get("player"), 5)

	if got := r.Get("player").State(); got != Open {
		t.Fatalf("player breaker state = %v, want Open", got)
	}
	if got := r.Get("top").State(); got != Closed {
		t.Fatalf("top breaker state = %v, want Closed", got)
	}
	if r.Get("player") != r.Get("player") {
		t.Error("Get() returned different breakers for the same key")
	}
}
