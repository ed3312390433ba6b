package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns how long to wait before reconnect attempt number `attempts`
// (0-based). The harness defaults to the "fixed" policy to mirror the probed
// service's documented 5 second reconnect interval; the other policies are
// extension points for longer soak runs.
func Delay(policy string, base, max time.Duration, attempts int, rng *rand.Rand) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch policy {
	case "fixed":
		return minDur(base, max)
	case "linear":
		n := attempts
		if n < 1 {
			n = 1
		}
		return minDur(base*time.Duration(n), max)
	case "exponential":
		return minDur(scale(base, attempts), max)
	case "exp_equal_jitter":
		ceil := minDur(scale(base, attempts), max)
		half := ceil / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default: // exp_full_jitter
		ceil := minDur(scale(base, attempts), max)
		if ceil <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(ceil) + 1))
	}
}

func scale(base time.Duration, attempts int) time.Duration {
	f := float64(base) * math.Pow(2, float64(attempts))
	if f > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
