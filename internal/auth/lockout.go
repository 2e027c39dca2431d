package auth

import "time"

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
)

type LockState int

const (
	LockOpen LockState = iota
	LockLocked
)

// LockoutPolicy decides lockout from counter state alone. It has no side
// effects; stores call RecordFailure inside their own transaction.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: defaultMaxAttempts, Duration: defaultLockWindow}
}

func (p LockoutPolicy) normalized() LockoutPolicy {
	if p.Threshold <= 0 {
		p.Threshold = defaultMaxAttempts
	}
	if p.Duration <= 0 {
		p.Duration = defaultLockWindow
	}
	return p
}

// Evaluate reports Locked while a lockout expiry lies in the future, whatever
// the counter says.
func (p LockoutPolicy) Evaluate(failed int, lockedUntil *time.Time, now time.Time) LockState {
	if lockedUntil != nil && now.Before(*lockedUntil) {
		return LockLocked
	}
	return LockOpen
}

// RecordFailure returns the counter and lockout expiry after one more failure.
// An expired lockout starts a fresh run of consecutive failures.
func (p LockoutPolicy) RecordFailure(failed int, lockedUntil *time.Time, now time.Time) (int, *time.Time) {
	p = p.normalized()

	if lockedUntil != nil && !now.Before(*lockedUntil) {
		failed = 0
	}

	failed++
	if failed >= p.Threshold {
		until := now.UTC().Add(p.Duration)
		return failed, &until
	}
	return failed, nil
}

func (p LockoutPolicy) AttemptsRemaining(failed int) int {
	p = p.normalized()
	return max(0, p.Threshold-failed)
}
