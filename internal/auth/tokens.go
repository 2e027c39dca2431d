package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionTTL = 8 * time.Hour
	defaultPendingTTL = 5 * time.Minute
	defaultResetTTL   = time.Hour

	tokenTypeSession = "session"
	tokenTypePending = "mfa_pending"

	resetTokenBytes = 32
)

// SessionClaims are the claims of a full session token. Pending is decoded so
// that an MFA-pending token presented as a session is rejected explicitly.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email   string `json:"email"`
	Role    string `json:"role"`
	Type    string `json:"typ"`
	Pending bool   `json:"pending,omitempty"`
}

func (c SessionClaims) AccountID() string {
	return c.Subject
}

type pendingClaims struct {
	jwt.RegisteredClaims
	Type    string `json:"typ"`
	Pending bool   `json:"pending"`
}

// TokenIssuer signs and verifies session and MFA-pending tokens with one
// shared HS256 secret.
type TokenIssuer struct {
	secret     []byte
	sessionTTL time.Duration
	pendingTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(secret string, sessionTTL, pendingTTL time.Duration, now func() time.Time) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token signing secret is required")
	}
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}
	if now == nil {
		now = time.Now
	}

	return &TokenIssuer{
		secret:     []byte(secret),
		sessionTTL: sessionTTL,
		pendingTTL: pendingTTL,
		now:        now,
	}, nil
}

func (t *TokenIssuer) IssueSession(account Account) (Tokens, error) {
	now := t.now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.sessionTTL)),
		},
		Email: account.Email,
		Role:  RoleAdmin,
		Type:  tokenTypeSession,
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return Tokens{}, fmt.Errorf("sign session jwt: %w", err)
	}

	return Tokens{
		AccessToken: encoded,
		TokenType:   "Bearer",
		ExpiresIn:   int64(t.sessionTTL.Seconds()),
	}, nil
}

func (t *TokenIssuer) IssuePending(accountID string) (string, int64, error) {
	now := t.now().UTC()
	claims := pendingClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.pendingTTL)),
		},
		Type:    tokenTypePending,
		Pending: true,
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign mfa pending jwt: %w", err)
	}

	return encoded, int64(t.pendingTTL.Seconds()), nil
}

// VerifySession fails closed: bad signature, expiry, wrong type, a pending
// claim, or a missing subject all yield ErrUnauthorized.
func (t *TokenIssuer) VerifySession(raw string) (SessionClaims, error) {
	claims := SessionClaims{}
	if err := t.parse(raw, &claims); err != nil {
		return SessionClaims{}, ErrUnauthorized
	}
	if claims.Pending || claims.Type != tokenTypeSession || claims.Role != RoleAdmin || claims.Subject == "" {
		return SessionClaims{}, ErrUnauthorized
	}

	return claims, nil
}

// VerifyPending returns the account id carried by an MFA-pending token.
func (t *TokenIssuer) VerifyPending(raw string) (string, error) {
	claims := pendingClaims{}
	if err := t.parse(raw, &claims); err != nil {
		return "", ErrMFAChallengeInvalid
	}
	if !claims.Pending || claims.Type != tokenTypePending || claims.Subject == "" {
		return "", ErrMFAChallengeInvalid
	}

	return claims.Subject, nil
}

func (t *TokenIssuer) parse(raw string, claims jwt.Claims) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrUnauthorized
	}

	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return err
	}
	if !token.Valid {
		return ErrUnauthorized
	}
	return nil
}

// newResetToken returns the raw token handed to the requester and the hash
// that is persisted.
func newResetToken() (string, string, error) {
	raw, err := randomToken(resetTokenBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate reset token: %w", err)
	}
	return raw, hashToken(raw), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
