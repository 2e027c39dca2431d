package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordChars = 12
	maxPasswordBytes = 72
)

type passwordHasher struct {
	cost int
	// dummy is compared against when no account exists so unknown emails
	// cost the same bcrypt work as known ones.
	dummy []byte
}

func newPasswordHasher(cost int) (*passwordHasher, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("invalid bcrypt cost %d", cost)
	}

	seed, err := randomToken(16)
	if err != nil {
		return nil, fmt.Errorf("generate dummy password: %w", err)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(seed), cost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}

	return &passwordHasher{cost: cost, dummy: dummy}, nil
}

func (h *passwordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (h *passwordHasher) Matches(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (h *passwordHasher) Burn(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}

// Unusable returns a hash of a random secret nobody knows, for accounts that
// must carry a password hash but do not log in with one.
func (h *passwordHasher) Unusable() (string, error) {
	secret, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate unusable password: %w", err)
	}
	return h.Hash(secret)
}

func validateNewPassword(password string) error {
	if utf8.RuneCountInString(password) < minPasswordChars {
		return ErrWeakPassword
	}
	if len(password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// authenticate checks a password and drives the lockout counter. Infra
// failures come back wrapped in ErrUnavailable.
func (s *Service) authenticate(ctx context.Context, email, password string) (Account, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Account{}, InvalidCredentialsError{AttemptsRemaining: s.lockout.AttemptsRemaining(0)}
	}

	now := s.now().UTC()
	account, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, s.failUnknown(ctx, email, password)
		}
		return Account{}, unavailable("load account", err)
	}

	if err := s.checkAccountPassword(ctx, account, password, now); err != nil {
		return Account{}, err
	}

	if err := s.store.RecordSuccessfulLogin(ctx, account.ID, now); err != nil {
		return Account{}, unavailable("record successful login", err)
	}
	account.FailedLoginAttempts = 0
	account.LockedUntil = nil
	account.LastLoginAt = &now

	return account, nil
}

// checkAccountPassword verifies password for an existing account under the
// lockout policy. A live lockout refuses before any comparison and a mismatch
// counts toward the next one.
func (s *Service) checkAccountPassword(ctx context.Context, account Account, password string, now time.Time) error {
	if s.lockout.Evaluate(account.FailedLoginAttempts, account.LockedUntil, now) == LockLocked {
		s.logger.Warn("auth_login_locked", map[string]any{"email": account.Email, "locked_until": account.LockedUntil})
		return ErrLoginLocked{Until: *account.LockedUntil}
	}

	// Federated accounts carry an unusable hash; the comparison still runs so
	// they are indistinguishable from a wrong password.
	if !s.hasher.Matches(account.PasswordHash, password) || !account.PasswordLoginEnabled {
		attempt, err := s.store.RegisterFailedLogin(ctx, account.ID, s.lockout, now)
		if err != nil {
			return unavailable("register failed login", err)
		}
		return s.failureOutcome(account.Email, attempt)
	}

	return nil
}

func (s *Service) failUnknown(ctx context.Context, email, password string) error {
	now := s.now().UTC()
	attempt, err := s.store.GetUnknownAttempt(ctx, email)
	if err != nil {
		return unavailable("load login attempt", err)
	}
	if s.lockout.Evaluate(attempt.FailedAttempts, attempt.LockedUntil, now) == LockLocked {
		s.logger.Warn("auth_login_locked", map[string]any{"email": email, "locked_until": attempt.LockedUntil})
		return ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	s.hasher.Burn(password)

	attempt, err = s.store.RegisterUnknownFailure(ctx, email, s.lockout, now)
	if err != nil {
		return unavailable("register failed login", err)
	}
	return s.failureOutcome(email, attempt)
}

func (s *Service) failureOutcome(email string, attempt LoginAttempt) error {
	if attempt.AlreadyLocked && attempt.LockedUntil != nil {
		s.logger.Warn("auth_login_locked", map[string]any{"email": email, "locked_until": attempt.LockedUntil})
		return ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	remaining := s.lockout.AttemptsRemaining(attempt.FailedAttempts)
	if attempt.LockedUntil != nil {
		s.logger.Warn("auth_lockout_triggered", map[string]any{"email": email, "locked_until": attempt.LockedUntil})
	} else {
		s.logger.Info("auth_login_failed", map[string]any{"email": email, "attempts_remaining": remaining})
	}

	return InvalidCredentialsError{AttemptsRemaining: remaining}
}
