package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod = 30
	totpSkew   = 2
)

type totpVerifier struct {
	issuer string
}

func (v totpVerifier) options() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

func (v totpVerifier) generate(accountEmail string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountEmail,
		Period:      totpPeriod,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}

	return Enrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// valid accepts codes for the steps within ±totpSkew of now.
func (v totpVerifier) valid(secret, code string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now.UTC(), v.options())
	return err == nil && ok
}

// BeginMFAEnrollment stores a fresh pending secret, replacing any earlier
// pending one. An already active secret keeps governing logins. TOTP guards
// password login only, so accounts without one cannot enroll.
func (s *Service) BeginMFAEnrollment(ctx context.Context, accountID string) (Enrollment, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return Enrollment{}, err
	}
	if !account.PasswordLoginEnabled {
		return Enrollment{}, ErrPasswordLoginDisabled
	}

	enrollment, err := s.totp.generate(account.Email)
	if err != nil {
		return Enrollment{}, unavailable("begin mfa enrollment", err)
	}
	if err := s.store.SetPendingMFASecret(ctx, account.ID, enrollment.Secret); err != nil {
		return Enrollment{}, s.storeError("store pending mfa secret", err)
	}

	s.logger.Info("auth_mfa_enrollment_started", map[string]any{"account_id": account.ID})
	return enrollment, nil
}

func (s *Service) ConfirmMFAEnrollment(ctx context.Context, accountID, code string) error {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}

	pending := account.MFA.PendingSecret
	if pending == "" {
		return ErrNoPendingEnrollment
	}
	if !s.totp.valid(pending, code, s.now()) {
		return ErrInvalidMFACode
	}

	if err := s.store.ActivateMFA(ctx, account.ID, pending); err != nil {
		if errors.Is(err, ErrMFAEnrollmentChanged) {
			return ErrInvalidMFACode
		}
		return s.storeError("activate mfa", err)
	}

	s.logger.Info("auth_mfa_enabled", map[string]any{"account_id": account.ID})
	return nil
}

// VerifyMFACode checks code against the active secret only.
func (s *Service) VerifyMFACode(ctx context.Context, accountID, code string) error {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	return s.verifyActiveCode(account, code)
}

func (s *Service) verifyActiveCode(account Account, code string) error {
	if account.MFA.State() != MFAActive {
		return ErrMFANotEnabled
	}
	if !s.totp.valid(account.MFA.Secret, code, s.now()) {
		return ErrInvalidMFACode
	}
	return nil
}

// DisableMFA requires the primary password again so a stolen session alone
// cannot strip the second factor. The check shares the login lockout.
func (s *Service) DisableMFA(ctx context.Context, accountID, password string) error {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if password == "" {
		return ErrInvalidPassword
	}

	now := s.now().UTC()
	if err := s.checkAccountPassword(ctx, account, password, now); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.logger.Warn("auth_mfa_disable_rejected", map[string]any{"account_id": account.ID})
			return ErrInvalidPassword
		}
		return err
	}

	if account.FailedLoginAttempts > 0 || account.LockedUntil != nil {
		if err := s.store.ClearFailedLogins(ctx, account.ID); err != nil {
			return s.storeError("clear failed logins", err)
		}
	}
	if err := s.store.DisableMFA(ctx, account.ID); err != nil {
		return s.storeError("disable mfa", err)
	}

	s.logger.Info("auth_mfa_disabled", map[string]any{"account_id": account.ID})
	return nil
}

// VerifyMFA exchanges an MFA-pending token plus a valid code for a session.
func (s *Service) VerifyMFA(ctx context.Context, pendingToken, code string) (Tokens, error) {
	accountID, err := s.tokens.VerifyPending(pendingToken)
	if err != nil {
		return Tokens{}, err
	}

	account, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Tokens{}, ErrMFAChallengeInvalid
		}
		return Tokens{}, unavailable("load account", err)
	}

	if err := s.verifyActiveCode(account, code); err != nil {
		if errors.Is(err, ErrMFANotEnabled) {
			return Tokens{}, ErrMFAChallengeInvalid
		}
		s.logger.Info("auth_mfa_code_rejected", map[string]any{"account_id": account.ID})
		return Tokens{}, err
	}

	return s.issueSession(account)
}
