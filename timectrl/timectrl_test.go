package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	tc := NewTimeController(time.Millisecond, RealTime)

	tc.SetTime(42 * time.Millisecond)

	if got := tc.Now(); got != 42*time.Millisecond {
		t.Fatalf("Now() = %v, want 42ms", got)
	}
}

func TestStepInvokesListenersWithWindowStart(t *testing.T) {
	tc := NewTimeController(10*time.Millisecond, Accelerated)
	var starts []time.Duration
	tc.AddListener(func(start, tick time.Duration) {
		if tick != 10*time.Millisecond {
			t.Errorf("tick = %v", tick)
		}
		if now := tc.Now(); now != start {
			t.Errorf("Now() inside listener = %v, want %v", now, start)
		}
		starts = append(starts, start)
	})

	if got := tc.Step(3); got != 30*time.Millisecond {
		t.Fatalf("Step(3) = %v, want 30ms", got)
	}
	want := []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond}
	if len(starts) != len(want) {
		t.Fatalf("starts = %v", starts)
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Fatalf("starts = %v, want %v", starts, want)
		}
	}
}

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	tc := NewTimeController(5*time.Millisecond, Accelerated)

	done := tc.Start(context.Background(), 15*time.Millisecond)
	<-done

	if got := tc.Now(); got != 15*time.Millisecond {
		t.Fatalf("Now() = %v, want 15ms", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	tc := NewTimeController(time.Millisecond, Accelerated)
	ctx, cancel := context.WithCancel(context.Background())
	ticks := 0
	tc.AddListener(func(time.Duration, time.Duration) {
		ticks++
		if ticks == 5 {
			cancel()
		}
	})

	err := tc.Run(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if ticks != 5 {
		t.Fatalf("ticks = %d, want 5: no tick may start after cancel", ticks)
	}
}

func TestParseMode(t *testing.T) {
	if m, ok := ParseMode("realtime"); !ok || m != RealTime {
		t.Fatalf("realtime -> %v %v", m, ok)
	}
	if m, ok := ParseMode(""); !ok || m != Accelerated {
		t.Fatalf("empty -> %v %v", m, ok)
	}
	if _, ok := ParseMode("warp"); ok {
		t.Fatalf("warp should be rejected")
	}
}
