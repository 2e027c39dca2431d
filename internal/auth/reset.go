package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"admin-serverless/internal/observability"
)

// ResetNotifier delivers a raw reset token to the account owner.
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, account Account, rawToken string, expiresAt time.Time) error
}

// LogResetNotifier records that a reset was issued. The token itself is never
// written anywhere.
type LogResetNotifier struct {
	logger *observability.Logger
}

func NewLogResetNotifier(logger *observability.Logger) *LogResetNotifier {
	return &LogResetNotifier{logger: logger}
}

func (n *LogResetNotifier) SendPasswordReset(_ context.Context, account Account, _ string, expiresAt time.Time) error {
	n.logger.Info("auth_password_reset_issued", map[string]any{
		"account_id": account.ID,
		"email":      account.Email,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	return nil
}

// RequestPasswordReset behaves identically whether or not the e-mail is
// registered. Failures are logged and reported, never returned.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) {
	email = normalizeEmail(email)
	if email == "" {
		return
	}

	account, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			s.reportInfraError("password_reset_lookup_failed", err)
		}
		return
	}

	raw, hash, err := newResetToken()
	if err != nil {
		s.reportInfraError("password_reset_token_failed", err)
		return
	}

	expiresAt := s.now().UTC().Add(s.resetTTL)
	if err := s.store.SetResetToken(ctx, account.ID, hash, expiresAt); err != nil {
		s.reportInfraError("password_reset_store_failed", err)
		return
	}

	if err := s.notifier.SendPasswordReset(ctx, account, raw, expiresAt); err != nil {
		s.reportInfraError("password_reset_delivery_failed", err)
	}
}

// CompletePasswordReset consumes rawToken and sets newPassword. A successful
// reset also clears any lockout.
func (s *Service) CompletePasswordReset(ctx context.Context, rawToken, newPassword string) error {
	if err := validateNewPassword(newPassword); err != nil {
		return err
	}

	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrInvalidResetToken
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return unavailable("hash new password", err)
	}

	accountID, err := s.store.ConsumeResetToken(ctx, hashToken(rawToken), newHash, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrInvalidResetToken) {
			s.logger.Info("auth_password_reset_rejected", nil)
			return ErrInvalidResetToken
		}
		return unavailable("consume reset token", err)
	}

	s.logger.Info("auth_password_reset_completed", map[string]any{"account_id": accountID})
	return nil
}

func (s *Service) reportInfraError(message string, err error) {
	s.logger.Error(message, map[string]any{"error": err.Error()})
	sentry.CaptureException(err)
}
