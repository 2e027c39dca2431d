package auth

import "time"

const RoleAdmin = "admin"

type Account struct {
	ID                   string
	Email                string
	Name                 string
	PasswordHash         string
	PasswordLoginEnabled bool
	MFA                  MFA
	FailedLoginAttempts  int
	LockedUntil          *time.Time
	ResetTokenHash       string
	ResetTokenExpiry     *time.Time
	CreatedAt            time.Time
	LastLoginAt          *time.Time
	PasswordChangedAt    time.Time
}

type MFAState int

const (
	MFADisabled MFAState = iota
	MFAPending
	MFAActive
)

func (s MFAState) String() string {
	switch s {
	case MFAPending:
		return "pending"
	case MFAActive:
		return "active"
	default:
		return "disabled"
	}
}

// MFA holds the active secret and, during (re-)enrollment, the pending one.
// Only Secret is consulted by login verification; PendingSecret is only
// consulted when confirming enrollment.
type MFA struct {
	Enabled       bool
	Secret        string
	PendingSecret string
}

func (m MFA) State() MFAState {
	if m.Enabled && m.Secret != "" {
		return MFAActive
	}
	if m.PendingSecret != "" {
		return MFAPending
	}
	return MFADisabled
}

// LoginAttempt is the counter state after a failure was recorded.
type LoginAttempt struct {
	FailedAttempts int
	LockedUntil    *time.Time
	// AlreadyLocked is set when the row was locked before this failure, in
	// which case the failure was not counted.
	AlreadyLocked bool
}

type Tokens struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type LoginStatus string

const (
	LoginAuthenticated LoginStatus = "ok"
	LoginMFARequired   LoginStatus = "mfa_required"
)

// LoginResult carries Session when Status is LoginAuthenticated and
// PendingToken when Status is LoginMFARequired.
type LoginResult struct {
	Status           LoginStatus
	Session          Tokens
	PendingToken     string
	PendingExpiresIn int64
}

type Enrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

type CleanupResult struct {
	ClearedResetTokens   int64 `json:"cleared_reset_tokens"`
	ClearedLockouts      int64 `json:"cleared_lockouts"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
}
