package auth

import (
	"context"
	"errors"
	"strings"
)

const defaultAccountCapacity = 5

// AllowList is the set of e-mails permitted to federate, compared
// case-insensitively.
type AllowList map[string]struct{}

func NewAllowList(emails []string) AllowList {
	list := make(AllowList, len(emails))
	for _, email := range emails {
		email = normalizeEmail(email)
		if email != "" {
			list[email] = struct{}{}
		}
	}
	return list
}

func (l AllowList) Contains(email string) bool {
	_, ok := l[normalizeEmail(email)]
	return ok
}

// Federate signs in an identity an external provider has already verified.
// It never reads or changes local password credentials.
func (s *Service) Federate(ctx context.Context, verifiedEmail, nameHint string) (Tokens, error) {
	email := normalizeEmail(verifiedEmail)

	if len(s.allowList) == 0 {
		s.logger.Warn("auth_federation_disabled", map[string]any{"email": email})
		return Tokens{}, ErrWhitelistNotConfigured
	}
	if email == "" || !s.allowList.Contains(email) {
		s.logger.Warn("auth_federation_rejected", map[string]any{"email": email})
		return Tokens{}, ErrNotAuthorized
	}

	now := s.now().UTC()
	account, err := s.store.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if err := s.store.TouchLastLogin(ctx, account.ID, now); err != nil {
			return Tokens{}, unavailable("touch last login", err)
		}
		s.logger.Info("auth_federated_login", map[string]any{"account_id": account.ID, "email": email})
		return s.issueSession(account)
	case !errors.Is(err, ErrAccountNotFound):
		return Tokens{}, unavailable("load account", err)
	}

	hash, err := s.hasher.Unusable()
	if err != nil {
		return Tokens{}, unavailable("create federated account", err)
	}

	account, created, err := s.store.CreateAccount(ctx, Account{
		Email:                email,
		Name:                 displayName(nameHint, email),
		PasswordHash:         hash,
		PasswordLoginEnabled: false,
		CreatedAt:            now,
	}, s.capacity)
	if err != nil {
		if errors.Is(err, ErrCapacityReached) {
			s.logger.Warn("auth_capacity_reached", map[string]any{"email": email, "capacity": s.capacity})
			return Tokens{}, ErrCapacityReached
		}
		return Tokens{}, unavailable("create federated account", err)
	}

	if err := s.store.TouchLastLogin(ctx, account.ID, now); err != nil {
		return Tokens{}, unavailable("touch last login", err)
	}
	if created {
		s.logger.Info("auth_federated_account_created", map[string]any{"account_id": account.ID, "email": email})
	}

	return s.issueSession(account)
}

func displayName(hint, email string) string {
	if name := strings.TrimSpace(hint); name != "" {
		return name
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}
