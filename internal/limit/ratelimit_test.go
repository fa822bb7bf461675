package limit

import (
	"testing"
	"time"
)

func TestTakeWithinBudget(t *testing.T) {
	l := New(&RatelimitConfig{Rate: 3, Duration: time.Hour})
	for i := 0; i < 3; i++ {
		if err := l.Take(); err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
	}
	if err := l.Take(); err != ErrRatelimit {
		t.Fatalf("expected ErrRatelimit, got %v", err)
	}
	// still exhausted inside the same window
	if err := l.Take(); err != ErrRatelimit {
		t.Fatalf("expected ErrRatelimit, got %v", err)
	}
}

func TestWindowRollover(t *testing.T) {
	l := New(&RatelimitConfig{Rate: 1, Duration: 10 * time.Millisecond})
	if err := l.Take(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := l.Take(); err != nil {
		t.Fatalf("budget should replenish after the window: %v", err)
	}
}
