package queue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// MaxBackoff caps exponential growth.
const MaxBackoff = time.Hour

// Next returns the wait before the attempt that follows attemptsMade failures.
// Exponential delays double per attempt and carry up to 50% jitter.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := float64(b.Delay) * math.Pow(2, float64(attemptsMade-1))
	if delay > float64(MaxBackoff) {
		delay = float64(MaxBackoff)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
