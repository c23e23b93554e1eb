package clock

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts wall-clock reads and sleeps so time-dependent paths
// (cooldowns, timeouts, dependency waits) can be driven in tests without
// process-wide side effects.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the system clock
type Real struct{}

// NewReal returns a Clock backed by the system clock
func NewReal() *Real {
	return &Real{}
}

func (r *Real) Now() time.Time {
	return time.Now()
}

func (r *Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fake is a manually advanced clock for tests
type Fake struct {
	mu       sync.Mutex
	now      time.Time
	sleepers []*sleeper
}

type sleeper struct {
	until time.Time
	ch    chan struct{}
}

// NewFake returns a Fake clock starting at the given time
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	f.mu.Lock()
	s := &sleeper{until: f.now.Add(d), ch: make(chan struct{})}
	f.sleepers = append(f.sleepers, s)
	f.mu.Unlock()

	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance moves the clock forward and wakes any sleeper whose deadline has
// passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	var remaining []*sleeper
	for _, s := range f.sleepers {
		if !s.until.After(f.now) {
			close(s.ch)
		} else {
			remaining = append(remaining, s)
		}
	}
	f.sleepers = remaining
}

// SleeperCount returns the number of goroutines currently blocked in Sleep
func (f *Fake) SleeperCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sleepers)
}
