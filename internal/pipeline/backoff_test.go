package pipeline

import (
	"testing"
	"time"
)

func TestDelay_ExponentialWithCap(t *testing.T) {
	// base 2s, cap 30s: attempts 0..5 give 2, 4, 8, 16, 30, 30
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, expected := range want {
		got := Delay(2000, 30000, attempt)
		if got != expected {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, expected)
		}
	}
}

func TestDelay_NegativeAttempt(t *testing.T) {
	if got := Delay(2000, 30000, -5); got != 2*time.Second {
		t.Errorf("got %v, want base delay", got)
	}
}

func TestDelay_LargeAttemptDoesNotOverflow(t *testing.T) {
	if got := Delay(2000, 30000, 100); got != 30*time.Second {
		t.Errorf("got %v, want cap", got)
	}
}

func TestJitter_Bounds(t *testing.T) {
	base := 10 * time.Second
	lo := time.Duration(float64(base) * 0.5)
	hi := time.Duration(float64(base) * 1.5)

	for i := 0; i < 1000; i++ {
		d := Jitter(base)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestJitter_Zero(t *testing.T) {
	if got := Jitter(0); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}
