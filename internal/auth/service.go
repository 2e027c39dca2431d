package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"admin-serverless/internal/observability"
)

// Config is injected at construction; nothing in the package reads globals.
type Config struct {
	SigningSecret       string
	FederationAllowList []string
	AccountCapacity     int
	Lockout             LockoutPolicy
	SessionTTL          time.Duration
	PendingTTL          time.Duration
	ResetTTL            time.Duration
	TOTPIssuer          string
	// PasswordHashCost is the bcrypt cost; zero means bcrypt.DefaultCost.
	PasswordHashCost int
	Now              func() time.Time
}

type Service struct {
	store     Store
	tokens    *TokenIssuer
	hasher    *passwordHasher
	totp      totpVerifier
	lockout   LockoutPolicy
	allowList AllowList
	capacity  int
	resetTTL  time.Duration
	notifier  ResetNotifier
	logger    *observability.Logger
	now       func() time.Time
}

func NewService(store Store, cfg Config, notifier ResetNotifier, logger *observability.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	tokens, err := NewTokenIssuer(cfg.SigningSecret, cfg.SessionTTL, cfg.PendingTTL, now)
	if err != nil {
		return nil, err
	}

	hasher, err := newPasswordHasher(cfg.PasswordHashCost)
	if err != nil {
		return nil, err
	}

	capacity := cfg.AccountCapacity
	if capacity <= 0 {
		capacity = defaultAccountCapacity
	}
	resetTTL := cfg.ResetTTL
	if resetTTL <= 0 {
		resetTTL = defaultResetTTL
	}
	issuer := strings.TrimSpace(cfg.TOTPIssuer)
	if issuer == "" {
		issuer = "Admin Console"
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if notifier == nil {
		notifier = NewLogResetNotifier(logger)
	}

	return &Service{
		store:     store,
		tokens:    tokens,
		hasher:    hasher,
		totp:      totpVerifier{issuer: issuer},
		lockout:   cfg.Lockout.normalized(),
		allowList: NewAllowList(cfg.FederationAllowList),
		capacity:  capacity,
		resetTTL:  resetTTL,
		notifier:  notifier,
		logger:    logger,
		now:       now,
	}, nil
}

// Login runs the password check and either issues a session or, when MFA is
// active, an MFA-pending token for VerifyMFA.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	account, err := s.authenticate(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}

	if account.MFA.State() == MFAActive {
		pending, expiresIn, err := s.tokens.IssuePending(account.ID)
		if err != nil {
			return LoginResult{}, unavailable("issue mfa pending token", err)
		}
		return LoginResult{Status: LoginMFARequired, PendingToken: pending, PendingExpiresIn: expiresIn}, nil
	}

	session, err := s.issueSession(account)
	if err != nil {
		return LoginResult{}, err
	}

	s.logger.Info("auth_login_succeeded", map[string]any{"account_id": account.ID})
	return LoginResult{Status: LoginAuthenticated, Session: session}, nil
}

// Authorize validates a session token for protected operations.
func (s *Service) Authorize(token string) (SessionClaims, error) {
	return s.tokens.VerifySession(token)
}

// BootstrapAdmin creates the first local account when it does not exist yet.
// An existing account is left untouched so resets survive restarts. A full
// account table only skips creation; it never blocks startup.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password, name string) error {
	email = normalizeEmail(email)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}
	if err := validateNewPassword(password); err != nil {
		return fmt.Errorf("bootstrap admin password: %w", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	account, created, err := s.store.CreateAccount(ctx, Account{
		Email:                email,
		Name:                 displayName(name, email),
		PasswordHash:         hash,
		PasswordLoginEnabled: true,
		CreatedAt:            now,
	}, s.capacity)
	if errors.Is(err, ErrCapacityReached) {
		s.logger.Warn("auth_capacity_reached", map[string]any{"email": email, "capacity": s.capacity})
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		s.logger.Info("auth_admin_bootstrapped", map[string]any{"account_id": account.ID, "email": email})
	}

	return nil
}

func (s *Service) issueSession(account Account) (Tokens, error) {
	tokens, err := s.tokens.IssueSession(account)
	if err != nil {
		return Tokens{}, unavailable("issue session token", err)
	}
	return tokens, nil
}

// loadAccount resolves the account behind an authorized session. A missing
// account means the token outlived it.
func (s *Service) loadAccount(ctx context.Context, accountID string) (Account, error) {
	account, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, ErrUnauthorized
		}
		return Account{}, unavailable("load account", err)
	}
	return account, nil
}

func (s *Service) storeError(op string, err error) error {
	if errors.Is(err, ErrAccountNotFound) {
		return ErrUnauthorized
	}
	return unavailable(op, err)
}
