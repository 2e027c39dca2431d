package auth

import (
	"context"
	"time"
)

// Store is the credential store the core reads and writes. Every method that
// mutates counters or secrets must apply its change atomically per account.
type Store interface {
	GetByEmail(ctx context.Context, email string) (Account, error)
	GetByID(ctx context.Context, id string) (Account, error)

	// CreateAccount inserts account unless one with the same email exists, in
	// which case the existing account is returned with created=false. It
	// returns ErrCapacityReached when capacity accounts already exist.
	CreateAccount(ctx context.Context, account Account, capacity int) (Account, bool, error)

	RegisterFailedLogin(ctx context.Context, accountID string, policy LockoutPolicy, now time.Time) (LoginAttempt, error)
	RecordSuccessfulLogin(ctx context.Context, accountID string, now time.Time) error
	// ClearFailedLogins resets the counter after a successful re-authentication
	// that is not itself a login.
	ClearFailedLogins(ctx context.Context, accountID string) error
	TouchLastLogin(ctx context.Context, accountID string, now time.Time) error

	// Shadow counters for emails without an account.
	GetUnknownAttempt(ctx context.Context, email string) (LoginAttempt, error)
	RegisterUnknownFailure(ctx context.Context, email string, policy LockoutPolicy, now time.Time) (LoginAttempt, error)

	SetPendingMFASecret(ctx context.Context, accountID, secret string) error
	// ActivateMFA promotes the pending secret only if it still equals
	// expectedPending, else ErrMFAEnrollmentChanged.
	ActivateMFA(ctx context.Context, accountID, expectedPending string) error
	DisableMFA(ctx context.Context, accountID string) error

	SetResetToken(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error
	// ConsumeResetToken rewrites the password of the account holding an
	// unexpired tokenHash and clears the token in the same step. No match
	// yields ErrInvalidResetToken.
	ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error)
}
