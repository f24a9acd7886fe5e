package session

import (
	"math"
	"math/rand"
	"time"

	"github.com/reachstack/fabric/internal/seedrand"
)

// Jitter supplies the randomness for backoff spreading. Production uses
// system entropy; tests swap in a seeded source so retry timing is
// reproducible in CI.
type Jitter interface {
	// Next returns a value in [0, 1).
	Next() float64
}

type randJitter struct {
	rng *rand.Rand
}

func (j randJitter) Next() float64 { return j.rng.Float64() }

// NewJitter returns an entropy-backed jitter source.
func NewJitter() Jitter {
	return randJitter{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewSeededJitter returns a deterministic jitter source for tests.
func NewSeededJitter(seed string) Jitter {
	return seedrand.New(seed)
}

// NextBackoffDelay returns the retry delay for attempt N (1-based),
// bounded exponential with optional jitter in [0.5x, 1.5x).
func NextBackoffDelay(cfg BackoffConfig, attempt int, jitter Jitter) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if jitter != nil {
			f = 0.5 + jitter.Next()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
