package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock gives components read access to simulation time without
// depending on the concrete controller. Time is measured from simulation
// start.
type SimClock interface {
	Now() time.Duration
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

// ParseMode maps "realtime" and "accelerated" to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "realtime", "real-time", "RealTime":
		return RealTime, true
	case "accelerated", "Accelerated", "":
		return Accelerated, true
	default:
		return 0, false
	}
}

func (m Mode) String() string {
	if m == RealTime {
		return "realtime"
	}
	return "accelerated"
}

// Listener is invoked once per tick with the start of the tick window
// [start, start+tick).
type Listener func(start, tick time.Duration)

// TimeController drives the single logical bus clock and notifies
// registered listeners on every tick.
type TimeController struct {
	mu   sync.RWMutex
	Tick time.Duration
	Mode Mode

	current   time.Duration
	listeners []Listener
}

// NewTimeController constructs a controller starting at zero.
func NewTimeController(tick time.Duration, mode Mode) *TimeController {
	if tick <= 0 {
		tick = time.Millisecond
	}
	return &TimeController{Tick: tick, Mode: mode}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current
}

// SetTime moves the clock without firing listeners.
func (tc *TimeController) SetTime(t time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.current = t
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn Listener) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step runs n ticks synchronously and returns the new simulation time.
func (tc *TimeController) Step(n int) time.Duration {
	for i := 0; i < n; i++ {
		tc.advance()
	}
	return tc.Now()
}

func (tc *TimeController) advance() {
	tc.mu.Lock()
	start := tc.current
	tick := tc.Tick
	listeners := append([]Listener(nil), tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(start, tick)
	}

	tc.mu.Lock()
	tc.current = start + tick
	tc.mu.Unlock()
}

// Run advances the clock until duration of simulation time has elapsed
// (forever when duration is zero) or ctx is done. No tick starts after
// cancellation is observed.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	end := tc.Now() + duration

	var wait <-chan time.Time
	if tc.Mode == RealTime {
		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()
		wait = ticker.C
	}

	for {
		if duration > 0 && tc.Now() >= end {
			return nil
		}
		if wait != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		tc.advance()
	}
}

// Start runs the controller in a separate goroutine. The returned channel
// is closed when it finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tc.Run(ctx, duration)
	}()
	return done
}
