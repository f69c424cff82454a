package timectrl

import (
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}

	tc.SetTime(start)
	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("moving backwards should be ignored, Now() = %v", got)
	}
}

func TestTimeControllerAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start)

	short := tc.After(2 * time.Second)
	long := tc.After(10 * time.Second)

	tc.Advance(3 * time.Second)
	select {
	case got := <-short:
		if !got.Equal(start.Add(3 * time.Second)) {
			t.Fatalf("fired at %v", got)
		}
	default:
		t.Fatalf("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatalf("long timer fired early")
	default:
	}
	if tc.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", tc.Pending())
	}
}

func TestTimeControllerListeners(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start)

	var seen []time.Time
	tc.AddListener(func(now time.Time) { seen = append(seen, now) })
	tc.Advance(time.Second)
	tc.Advance(time.Second)

	if len(seen) != 2 || !seen[1].Equal(start.Add(2*time.Second)) {
		t.Fatalf("unexpected listener calls %v", seen)
	}
}

func TestAfterZeroFiresImmediately(t *testing.T) {
	tc := NewTimeController(time.Unix(0, 0))
	select {
	case <-tc.After(0):
	default:
		t.Fatalf("zero duration should fire immediately")
	}
}
