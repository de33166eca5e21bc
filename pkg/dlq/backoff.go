package dlq

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy is capped exponential backoff: Base * 2^min(attempts, MaxExponent),
// plus optional deterministic jitter.
type BackoffPolicy struct {
	Base        time.Duration
	MaxExponent int
	MaxJitter   time.Duration
}

// DefaultBackoff doubles from 30s up to 16 minutes.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 30 * time.Second, MaxExponent: 5}
}

// Delay returns the wait before the next attempt of item id after the
// given number of failed attempts.
func (p BackoffPolicy) Delay(id string, attempts int) time.Duration {
	exp := attempts
	if exp < 0 {
		exp = 0
	}
	if exp > p.MaxExponent {
		exp = p.MaxExponent
	}
	return p.Base*time.Duration(int64(1)<<exp) + p.jitter(id, attempts)
}

// jitter is derived from the item id and attempt so replays are reproducible.
func (p BackoffPolicy) jitter(id string, attempts int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", id, attempts)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
