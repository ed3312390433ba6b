package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelayFixed(t *testing.T) {
	tests := []struct {
		name     string
		base     time.Duration
		max      time.Duration
		attempts int
		want     time.Duration
	}{
		{"base 5s max 60s", 5 * time.Second, 60 * time.Second, 0, 5 * time.Second},
		{"base 5s many attempts", 5 * time.Second, 60 * time.Second, 100, 5 * time.Second},
		{"base exceeds max", 20 * time.Second, 10 * time.Second, 0, 10 * time.Second},
		{"zero base defaults to 1s", 0, 10 * time.Second, 0, time.Second},
		{"zero max equals base", 5 * time.Second, 0, 0, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			got := Delay("fixed", tt.base, tt.max, tt.attempts, rng)
			if got != tt.want {
				t.Errorf("Delay(fixed) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayLinear(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{"zero attempts", 0, 5 * time.Second},
		{"one attempt", 1, 5 * time.Second},
		{"three attempts", 3, 15 * time.Second},
		{"capped at max", 100, time.Minute},
		{"negative attempts treated as zero", -1, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			got := Delay("linear", 5*time.Second, time.Minute, tt.attempts, rng)
			if got != tt.want {
				t.Errorf("Delay(linear) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayExponential(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{"zero attempts", 0, 5 * time.Second},
		{"one attempt", 1, 10 * time.Second},
		{"two attempts", 2, 20 * time.Second},
		{"capped at max", 10, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			got := Delay("exponential", 5*time.Second, time.Minute, tt.attempts, rng)
			if got != tt.want {
				t.Errorf("Delay(exponential) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for attempts := 0; attempts < 8; attempts++ {
		got := Delay("exp_full_jitter", 5*time.Second, time.Minute, attempts, rng)
		if got < 0 || got > time.Minute {
			t.Errorf("Delay(exp_full_jitter, attempts=%d) = %v out of bounds", attempts, got)
		}

		got = Delay("exp_equal_jitter", 5*time.Second, time.Minute, attempts, rng)
		if got < 0 || got > time.Minute {
			t.Errorf("Delay(exp_equal_jitter, attempts=%d) = %v out of bounds", attempts, got)
		}
	}
}

func TestDelayUnknownPolicyActsAsFullJitter(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	got := Delay("unknown", 5*time.Second, time.Minute, 2, rng)
	if got < 0 || got > 20*time.Second {
		t.Errorf("Delay(unknown) = %v, want between 0 and 20s", got)
	}
}

func TestDelayNilRng(t *testing.T) {
	got := Delay("fixed", 5*time.Second, time.Minute, 0, nil)
	if got != 5*time.Second {
		t.Errorf("Delay with nil rng = %v, want 5s", got)
	}
}
