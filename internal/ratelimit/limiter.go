package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// minRequestInterval is the floor for the per-request interval,
	// regardless of what the exchange publishes.
	minRequestInterval = 500 * time.Millisecond

	// windowBuffer is added when waiting for a window slot so a
	// marginally-early wake does not violate the cap.
	windowBuffer = 100 * time.Millisecond
)

// Limiter paces REST calls against one exchange. Two coupled limits:
// a minimum interval between successive approvals and a sliding-window
// cap (default 20 approvals per 60s). WaitIfNeeded is the single
// suspension point; waiters serialize through the mutex so every approved
// caller observes both invariants.
type Limiter struct {
	exchange string

	mu        sync.Mutex
	interval  *rate.Limiter
	window    time.Duration
	windowCap int
	approvals []time.Time

	now func() time.Time // test hook
}

// New creates a limiter for one exchange. windowCap <= 0 selects the
// default of 20 approvals per 60 seconds.
func New(exchange string, minInterval time.Duration, windowCap int) *Limiter {
	if minInterval < minRequestInterval {
		minInterval = minRequestInterval
	}
	if windowCap <= 0 {
		windowCap = 20
	}
	return &Limiter{
		exchange:  exchange,
		interval:  rate.NewLimiter(rate.Every(minInterval), 1),
		window:    60 * time.Second,
		windowCap: windowCap,
		approvals: make([]time.Time, 0, windowCap),
		now:       time.Now,
	}
}

// SetRateLimit adjusts the minimum interval from the exchange's published
// rate limit (milliseconds per request), keeping the 500ms floor.
func (l *Limiter) SetRateLimit(msPerRequest int) {
	iv := time.Duration(msPerRequest) * time.Millisecond
	if iv < minRequestInterval {
		iv = minRequestInterval
	}
	l.mu.Lock()
	l.interval.SetLimit(rate.Every(iv))
	l.mu.Unlock()

	log.Debug().
		Str("exchange", l.exchange).
		Dur("interval", iv).
		Msg("Rate limiter interval adjusted")
}

// WaitIfNeeded blocks until both the sliding-window cap and the minimum
// interval admit another request, then records the approval. Returns early
// only on context cancellation.
func (l *Limiter) WaitIfNeeded(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Sliding window: drop expired approvals, wait for the oldest to
	// age out if the window is full.
	for {
		now := l.now()
		cutoff := now.Add(-l.window)
		live := l.approvals[:0]
		for _, t := range l.approvals {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		l.approvals = live

		if len(l.approvals) < l.windowCap {
			break
		}

		sleep := l.approvals[0].Add(l.window).Sub(now) + windowBuffer
		log.Debug().
			Str("exchange", l.exchange).
			Dur("sleep", sleep).
			Int("window_cap", l.windowCap).
			Msg("Rate limit window full, waiting")

		if err := sleepCtx(ctx, sleep); err != nil {
			return err
		}
	}

	// Minimum interval between approvals.
	if err := l.interval.Wait(ctx); err != nil {
		return err
	}

	l.approvals = append(l.approvals, l.now())
	return nil
}

// InFlight returns the number of approvals currently inside the window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	n := 0
	for _, t := range l.approvals {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Registry hands out one limiter per exchange id. Process-wide singleton
// owned by the scheduler's AppContext.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// For returns the limiter for an exchange, creating it with defaults on
// first use.
func (r *Registry) For(exchange string, minInterval time.Duration, windowCap int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[exchange]; ok {
		return l
	}
	l := New(exchange, minInterval, windowCap)
	r.limiters[exchange] = l
	return l
}
