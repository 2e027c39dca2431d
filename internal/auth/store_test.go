package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memoryStore is a Store used by the service and handler tests. A single
// mutex gives every method the per-account atomicity the Postgres repository
// gets from row locks.
type memoryStore struct {
	mu       sync.Mutex
	nextID   int
	accounts map[string]Account
	shadow   map[string]LoginAttempt
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts: make(map[string]Account),
		shadow:   make(map[string]LoginAttempt),
	}
}

func (m *memoryStore) put(account Account) Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account.ID == "" {
		m.nextID++
		account.ID = fmt.Sprintf("acct-%d", m.nextID)
	}
	m.accounts[account.ID] = account
	return account
}

func (m *memoryStore) get(id string) Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id]
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

func (m *memoryStore) findEmail(email string) (Account, bool) {
	for _, account := range m.accounts {
		if account.Email == email {
			return account, true
		}
	}
	return Account{}, false
}

func (m *memoryStore) GetByEmail(_ context.Context, email string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.findEmail(email)
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (m *memoryStore) GetByID(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (m *memoryStore) CreateAccount(_ context.Context, account Account, capacity int) (Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.findEmail(account.Email); ok {
		return existing, false, nil
	}
	if len(m.accounts) >= capacity {
		return Account{}, false, ErrCapacityReached
	}

	m.nextID++
	account.ID = fmt.Sprintf("acct-%d", m.nextID)
	account.PasswordChangedAt = account.CreatedAt
	m.accounts[account.ID] = account
	delete(m.shadow, account.Email)
	return account, true, nil
}

func (m *memoryStore) RegisterFailedLogin(_ context.Context, id string, policy LockoutPolicy, now time.Time) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return LoginAttempt{}, ErrAccountNotFound
	}
	if policy.Evaluate(account.FailedLoginAttempts, account.LockedUntil, now) == LockLocked {
		return LoginAttempt{FailedAttempts: account.FailedLoginAttempts, LockedUntil: account.LockedUntil, AlreadyLocked: true}, nil
	}

	account.FailedLoginAttempts, account.LockedUntil = policy.RecordFailure(account.FailedLoginAttempts, account.LockedUntil, now)
	m.accounts[id] = account
	return LoginAttempt{FailedAttempts: account.FailedLoginAttempts, LockedUntil: account.LockedUntil}, nil
}

func (m *memoryStore) RecordSuccessfulLogin(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	account.FailedLoginAttempts = 0
	account.LockedUntil = nil
	account.LastLoginAt = &now
	m.accounts[id] = account
	return nil
}

func (m *memoryStore) ClearFailedLogins(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	account.FailedLoginAttempts = 0
	account.LockedUntil = nil
	m.accounts[id] = account
	return nil
}

func (m *memoryStore) TouchLastLogin(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	account.LastLoginAt = &now
	m.accounts[id] = account
	return nil
}

func (m *memoryStore) GetUnknownAttempt(_ context.Context, email string) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shadow[email], nil
}

func (m *memoryStore) RegisterUnknownFailure(_ context.Context, email string, policy LockoutPolicy, now time.Time) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt := m.shadow[email]
	if policy.Evaluate(attempt.FailedAttempts, attempt.LockedUntil, now) == LockLocked {
		attempt.AlreadyLocked = true
		return attempt, nil
	}

	attempt.FailedAttempts, attempt.LockedUntil = policy.RecordFailure(attempt.FailedAttempts, attempt.LockedUntil, now)
	m.shadow[email] = attempt
	return attempt, nil
}

func (m *memoryStore) SetPendingMFASecret(_ context.Context, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	account.MFA.PendingSecret = secret
	m.accounts[id] = account
	return nil
}

func (m *memoryStore) ActivateMFA(_ context.Context, id, expectedPending string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok || account.MFA.PendingSecret == "" || account.MFA.PendingSecret != expectedPending {
		return ErrMFAEnrollmentChanged
	}
	account.MFA = MFA{Enabled: true, Secret: expectedPending}
	m.accounts[id] = account
	return nil
}

func (m *memoryStore) DisableMFA(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	account.MFA = MFA{}
	m.accounts[id] = account
	return nil
}

func (m *memoryStore) SetResetToken(_ context.Context, id, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	account.ResetTokenHash = tokenHash
	account.ResetTokenExpiry = &expiresAt
	m.accounts[id] = account
	return nil
}

func (m *memoryStore) ConsumeResetToken(_ context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, account := range m.accounts {
		if account.ResetTokenHash != tokenHash || account.ResetTokenExpiry == nil || !now.Before(*account.ResetTokenExpiry) {
			continue
		}
		account.PasswordHash = newPasswordHash
		account.PasswordLoginEnabled = true
		account.PasswordChangedAt = now
		account.ResetTokenHash = ""
		account.ResetTokenExpiry = nil
		account.FailedLoginAttempts = 0
		account.LockedUntil = nil
		m.accounts[id] = account
		return id, nil
	}
	return "", ErrInvalidResetToken
}

// brokenStore fails every lookup, standing in for an unreachable database.
type brokenStore struct {
	Store
	err error
}

func (b brokenStore) GetByEmail(context.Context, string) (Account, error) {
	return Account{}, b.err
}

func (b brokenStore) GetByID(context.Context, string) (Account, error) {
	return Account{}, b.err
}

// testClock is a settable clock shared by a service and its assertions.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// captureNotifier records reset deliveries instead of sending them.
type captureNotifier struct {
	mu    sync.Mutex
	sent  []string
	calls int
}

func (n *captureNotifier) SendPasswordReset(_ context.Context, _ Account, rawToken string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.sent = append(n.sent, rawToken)
	return nil
}

func (n *captureNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return ""
	}
	return n.sent[len(n.sent)-1]
}
