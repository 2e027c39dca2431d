package auth

import (
	"errors"
	"fmt"
	"time"
)

// Credential errors. Reported to callers in a generic form.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidMFACode      = errors.New("invalid mfa code")
	ErrMFAChallengeInvalid = errors.New("mfa challenge expired or invalid")
	ErrInvalidPassword     = errors.New("invalid password")
	ErrInvalidResetToken   = errors.New("invalid or expired reset token")
	ErrUnauthorized        = errors.New("invalid or expired token")
)

// Policy errors. Not secret, reported distinctly.
var (
	ErrWhitelistNotConfigured = errors.New("oauth whitelist not configured")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrCapacityReached        = errors.New("account capacity reached")
	ErrMFANotEnabled          = errors.New("mfa not enabled")
	ErrNoPendingEnrollment    = errors.New("no pending mfa enrollment")
	ErrPasswordLoginDisabled  = errors.New("password login not enabled")
	ErrWeakPassword           = errors.New("password must be at least 12 characters")
	ErrPasswordTooLong        = errors.New("password must be at most 72 bytes")
)

// ErrUnavailable marks infrastructure failures (store, signing).
var ErrUnavailable = errors.New("authentication service unavailable")

// ErrAccountNotFound is returned by Store lookups.
var ErrAccountNotFound = errors.New("account not found")

// ErrMFAEnrollmentChanged is returned by Store.ActivateMFA when the pending
// secret no longer matches the one that was verified.
var ErrMFAEnrollmentChanged = errors.New("mfa enrollment changed")

type InvalidCredentialsError struct {
	AttemptsRemaining int
}

func (e InvalidCredentialsError) Error() string {
	return ErrInvalidCredentials.Error()
}

func (e InvalidCredentialsError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

// RetryAfter is rounded up to whole seconds and never below one.
func (e ErrLoginLocked) RetryAfter(now time.Time) time.Duration {
	wait := e.Until.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
