// Package ratelimit enforces a ceiling on external calls per rolling window.
//
// The limiter keeps a log of call times and admits a call only when fewer than
// Limit calls fall inside the trailing Window. Waiters are admitted in arrival
// order so no caller starves.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hirefetch/harvester/internal/logger"
)

// WaitObserver receives the time each Acquire spent blocked.
type WaitObserver func(time.Duration)

type Limiter struct {
	limit  int
	window time.Duration
	log    logger.Logger
	now    func() time.Time

	// turn is a one-slot queue; channel senders are released FIFO.
	turn chan struct{}

	mu       sync.Mutex
	calls    []time.Time
	observer WaitObserver
}

// New returns a limiter admitting at most limit calls per window.
// A non-positive limit disables limiting.
func New(limit int, window time.Duration, log logger.Logger) *Limiter {
	if log == nil {
		log = logger.NewNop()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: window,
		log:    log,
		now:    time.Now,
		turn:   make(chan struct{}, 1),
	}
}

func (l *Limiter) SetObserver(fn WaitObserver) {
	l.mu.Lock()
	l.observer = fn
	l.mu.Unlock()
}

// Acquire blocks until one more call fits under the ceiling, then records it.
// A call that fits right away is admitted even if ctx is already done; Acquire
// only fails when it would have to wait and ctx ends first. The call is not
// recorded in that case.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.limit <= 0 {
		return nil
	}

	start := l.now()
	select {
	case l.turn <- struct{}{}:
	default:
		select {
		case l.turn <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() { <-l.turn }()

	logged := false
	for {
		wait := l.reserve()
		if wait <= 0 {
			l.observe(l.now().Sub(start))
			return nil
		}
		if !logged {
			l.log.Info("Rate limit reached, waiting",
				logger.Int("limit", l.limit),
				logger.Duration("window", l.window),
				logger.Duration("wait", wait))
			logged = true
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// reserve records a call and returns zero, or returns how long until the
// oldest call in the window expires.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.calls) < l.limit {
		l.calls = append(l.calls, now)
		return 0
	}
	wait := l.calls[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

func (l *Limiter) observe(d time.Duration) {
	l.mu.Lock()
	fn := l.observer
	l.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// InWindow reports how many calls are currently counted against the ceiling.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.calls)
}

func (l *Limiter) Limit() int { return l.limit }

func (l *Limiter) Window() time.Duration { return l.window }
