package retry

import (
	"testing"
	"time"
)

func TestDelayGrowsLinearly(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: 5 * time.Second, MaxDelay: time.Minute}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 5 * time.Second}, // floor at one unit
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 15 * time.Second},
		{12, time.Minute}, // capped
		{100, time.Minute},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.retryCount); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestDelayWithoutCap(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Second}
	if got := p.Delay(100); got != 100*time.Second {
		t.Errorf("uncapped Delay(100) = %v, want 100s", got)
	}
}

func TestExhausted(t *testing.T) {
	p := DefaultPolicy()

	for count := 0; count < p.MaxRetries; count++ {
		if p.Exhausted(count) {
			t.Errorf("Exhausted(%d) should be false with %d max retries", count, p.MaxRetries)
		}
	}
	if !p.Exhausted(p.MaxRetries) {
		t.Errorf("Exhausted(%d) should be true", p.MaxRetries)
	}
	if !p.Exhausted(p.MaxRetries + 1) {
		t.Error("exhaustion should be monotonic")
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxRetries != 3 {
		t.Errorf("expected 3 max retries, got %d", p.MaxRetries)
	}
	if p.BaseDelay != 5*time.Second {
		t.Errorf("expected 5s base delay, got %v", p.BaseDelay)
	}
	if p.MaxDelay != time.Minute {
		t.Errorf("expected 1m max delay, got %v", p.MaxDelay)
	}
}
