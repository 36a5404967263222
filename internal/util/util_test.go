package util

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, Backoff{Base: time.Millisecond, Max: time.Millisecond}, nil, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, Backoff{Base: time.Millisecond, Max: time.Millisecond}, nil, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanentStops(t *testing.T) {
	permanentErr := errors.New("bad credentials")
	attempts := 0

	err := Retry(context.Background(), 5, Backoff{Base: time.Millisecond}, func(err error) bool {
		return errors.Is(err, permanentErr)
	}, func() error {
		attempts++
		return permanentErr
	})

	if !errors.Is(err, permanentErr) {
		t.Fatalf("Retry error = %v, want %v", err, permanentErr)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	got := b.Schedule(len(want))
	for i := range want {
		if got[i] != want[i]*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got[i], want[i]*time.Second)
		}
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := b.Delay(4)
		if d < time.Second || d > 8*time.Second {
			t.Fatalf("jittered Delay(4) = %v, want within [1s, 8s]", d)
		}
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(50, 1)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if !rl.Allow() {
		t.Error("first Allow() = false, want true")
	}
	if rl.Allow() {
		t.Error("second immediate Allow() = true, want false")
	}
	if err := NewRateLimiter(0, 0).Wait(context.Background()); err != nil {
		t.Errorf("unlimited Wait() = %v", err)
	}
}

func TestSessionCalendar(t *testing.T) {
	cal, err := NewSessionCalendar("America/New_York", "17:00")
	if err != nil {
		t.Fatalf("NewSessionCalendar: %v", err)
	}
	loc := cal.Location()

	before := time.Date(2024, 6, 14, 16, 59, 0, 0, loc)
	if got, want := cal.NextBoundary(before), time.Date(2024, 6, 14, 17, 0, 0, 0, loc); !got.Equal(want) {
		t.Errorf("NextBoundary(before) = %v, want %v", got, want)
	}
	at := time.Date(2024, 6, 14, 17, 0, 0, 0, loc)
	if got, want := cal.NextBoundary(at), time.Date(2024, 6, 15, 17, 0, 0, 0, loc); !got.Equal(want) {
		t.Errorf("NextBoundary(at) = %v, want %v", got, want)
	}
	if got, want := cal.SessionStart(before), time.Date(2024, 6, 13, 17, 0, 0, 0, loc); !got.Equal(want) {
		t.Errorf("SessionStart(before) = %v, want %v", got, want)
	}
	if got := cal.SessionDate(before); got != "2024-06-14" {
		t.Errorf("SessionDate(before) = %q, want 2024-06-14", got)
	}

	if _, err := NewSessionCalendar("Nowhere/Land", ""); err == nil {
		t.Error("expected error for unknown zone")
	}
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "component", "test")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"component":"test"`) {
		t.Errorf("expected component attribute in %s", out)
	}
}
