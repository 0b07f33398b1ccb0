package infra

import (
	"testing"
	"time"
)

// =====================================================
// Infra Backoff Tests
// =====================================================

func TestBackoffPolicy_Delay(t *testing.T) {
	p := DefaultBackoffPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},  // below range clamps to base
		{1, 1 * time.Second},  // 1s
		{2, 2 * time.Second},  // 2s
		{3, 4 * time.Second},  // 4s
		{4, 8 * time.Second},  // 8s
		{5, 16 * time.Second}, // 16s
		{6, 30 * time.Second}, // capped at 30s
		{100, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffPolicy_GrowthMatchesFormula(t *testing.T) {
	p := BackoffPolicy{Base: 3 * time.Millisecond, Max: 20 * time.Millisecond, MaxAttempts: 5}

	for n := 1; n <= 5; n++ {
		want := p.Base * time.Duration(1<<(n-1))
		if want > p.Max {
			want = p.Max
		}
		if got := p.Delay(n); got != want {
			t.Errorf("Delay(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestBackoffPolicy_Exhausted(t *testing.T) {
	p := DefaultBackoffPolicy()
	if p.Exhausted(4) {
		t.Error("4 attempts should not exhaust a budget of 5")
	}
	if !p.Exhausted(5) {
		t.Error("5 attempts should exhaust a budget of 5")
	}

	unlimited := BackoffPolicy{Base: time.Second, Max: time.Minute}
	if unlimited.Exhausted(1000) {
		t.Error("MaxAttempts <= 0 should never exhaust")
	}
}
