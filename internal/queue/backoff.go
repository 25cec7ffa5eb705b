package queue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes the delay before retry n: Base * Multiplier^(n-1), capped
// at Max, plus a random jitter in [0, Jitter).
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     time.Duration
	// Rand returns a value in [0, limit). Nil uses crypto/rand.
	Rand func(limit time.Duration) time.Duration
}

// DefaultBackoff mirrors the scheduler defaults: 1s doubling up to 5m with up
// to one second of jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Multiplier: 2,
		Max:        5 * time.Minute,
		Jitter:     time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the wait before the attempt following failCount failures.
func (b Backoff) Delay(failCount int) time.Duration {
	if failCount < 1 {
		failCount = 1
	}
	delay := float64(b.Base) * math.Pow(b.Multiplier, float64(failCount-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay) + b.jitter()
}

func (b Backoff) jitter() time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	if b.Rand != nil {
		return b.Rand(b.Jitter)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(b.Jitter)))
	if err != nil {
		return b.Jitter / 2
	}
	return time.Duration(n.Int64())
}
