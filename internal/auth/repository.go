package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// accountCreationLockKey serialises account creation so the capacity count
// and the email uniqueness check see the same snapshot.
const accountCreationLockKey int64 = 0x61646d696e

const accountColumns = `id, email, name, password_hash, password_login_enabled,
	mfa_enabled, mfa_secret, mfa_secret_pending,
	failed_login_attempts, locked_until, reset_token_hash, reset_token_expiry,
	created_at, last_login, password_changed_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		account          Account
		mfaSecret        sql.NullString
		mfaPending       sql.NullString
		lockedUntil      sql.NullTime
		resetTokenHash   sql.NullString
		resetTokenExpiry sql.NullTime
		lastLogin        sql.NullTime
	)

	err := row.Scan(
		&account.ID, &account.Email, &account.Name, &account.PasswordHash, &account.PasswordLoginEnabled,
		&account.MFA.Enabled, &mfaSecret, &mfaPending,
		&account.FailedLoginAttempts, &lockedUntil, &resetTokenHash, &resetTokenExpiry,
		&account.CreatedAt, &lastLogin, &account.PasswordChangedAt,
	)
	if err != nil {
		return Account{}, err
	}

	account.MFA.Secret = mfaSecret.String
	account.MFA.PendingSecret = mfaPending.String
	account.ResetTokenHash = resetTokenHash.String
	account.LockedUntil = nullTimePtr(lockedUntil)
	account.ResetTokenExpiry = nullTimePtr(resetTokenExpiry)
	account.LastLoginAt = nullTimePtr(lastLogin)
	account.CreatedAt = account.CreatedAt.UTC()
	account.PasswordChangedAt = account.PasswordChangedAt.UTC()

	return account, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}


func timeOrNil(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM admin_accounts
		WHERE email = $1
	`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account by email: %w", err)
	}

	return account, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM admin_accounts
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}

	return account, nil
}

func (r *Repository) CreateAccount(ctx context.Context, account Account, capacity int) (Account, bool, error) {
	if account.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Account{}, false, fmt.Errorf("generate uuid v7: %w", err)
		}
		account.ID = id.String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, false, fmt.Errorf("begin create account tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, accountCreationLockKey); err != nil {
		return Account{}, false, fmt.Errorf("acquire account creation lock: %w", err)
	}

	existing, err := scanAccount(tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM admin_accounts
		WHERE email = $1
	`, account.Email))
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return Account{}, false, fmt.Errorf("commit create account tx: %w", err)
		}
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Account{}, false, fmt.Errorf("query existing account: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_accounts`).Scan(&count); err != nil {
		return Account{}, false, fmt.Errorf("count accounts: %w", err)
	}
	if count >= capacity {
		return Account{}, false, ErrCapacityReached
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO admin_accounts (id, email, name, password_hash, password_login_enabled, created_at, password_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, account.ID, account.Email, account.Name, account.PasswordHash, account.PasswordLoginEnabled, account.CreatedAt.UTC())
	if err != nil {
		return Account{}, false, fmt.Errorf("insert account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_login_attempts WHERE email = $1`, account.Email); err != nil {
		return Account{}, false, fmt.Errorf("clear shadow login attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Account{}, false, fmt.Errorf("commit create account tx: %w", err)
	}

	account.PasswordChangedAt = account.CreatedAt
	return account, true, nil
}

func (r *Repository) RegisterFailedLogin(ctx context.Context, accountID string, policy LockoutPolicy, now time.Time) (LoginAttempt, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("begin login attempt tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_login_attempts, locked_until
		FROM admin_accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoginAttempt{}, ErrAccountNotFound
		}
		return LoginAttempt{}, fmt.Errorf("lock account row: %w", err)
	}

	current := nullTimePtr(lockedUntil)
	if policy.Evaluate(failed, current, now) == LockLocked {
		if err := tx.Commit(); err != nil {
			return LoginAttempt{}, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return LoginAttempt{FailedAttempts: failed, LockedUntil: current, AlreadyLocked: true}, nil
	}

	nextFailed, nextLock := policy.RecordFailure(failed, current, now)
	_, err = tx.ExecContext(ctx, `
		UPDATE admin_accounts
		SET failed_login_attempts = $2, locked_until = $3
		WHERE id = $1
	`, accountID, nextFailed, timeOrNil(nextLock))
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("update failed login attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return LoginAttempt{}, fmt.Errorf("commit login attempt tx: %w", err)
	}

	return LoginAttempt{FailedAttempts: nextFailed, LockedUntil: nextLock}, nil
}

func (r *Repository) RecordSuccessfulLogin(ctx context.Context, accountID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_accounts
		SET failed_login_attempts = 0, locked_until = NULL, last_login = $2
		WHERE id = $1
	`, accountID, now.UTC())
	if err != nil {
		return fmt.Errorf("record successful login: %w", err)
	}

	return nil
}

func (r *Repository) ClearFailedLogins(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_accounts
		SET failed_login_attempts = 0, locked_until = NULL
		WHERE id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("clear failed logins: %w", err)
	}

	return nil
}

func (r *Repository) TouchLastLogin(ctx context.Context, accountID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_accounts
		SET last_login = $2
		WHERE id = $1
	`, accountID, now.UTC())
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}

	return nil
}

func (r *Repository) GetUnknownAttempt(ctx context.Context, email string) (LoginAttempt, error) {
	var attempt LoginAttempt
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE email = $1
	`, email).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoginAttempt{}, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	attempt.LockedUntil = nullTimePtr(lockedUntil)

	return attempt, nil
}

func (r *Repository) RegisterUnknownFailure(ctx context.Context, email string, policy LockoutPolicy, now time.Time) (LoginAttempt, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("begin login attempt tx: %w", err)
	}
	defer tx.Rollback()

	// Seed the row first so concurrent first failures serialize on its lock.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (email, failed_attempts, locked_until, updated_at)
		VALUES ($1, 0, NULL, $2)
		ON CONFLICT (email) DO NOTHING
	`, email, now.UTC())
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("seed login attempt row: %w", err)
	}

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE email = $1
		FOR UPDATE
	`, email).Scan(&failed, &lockedUntil)
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("lock login attempt row: %w", err)
	}

	current := nullTimePtr(lockedUntil)
	if policy.Evaluate(failed, current, now) == LockLocked {
		if err := tx.Commit(); err != nil {
			return LoginAttempt{}, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return LoginAttempt{FailedAttempts: failed, LockedUntil: current, AlreadyLocked: true}, nil
	}

	nextFailed, nextLock := policy.RecordFailure(failed, current, now)
	_, err = tx.ExecContext(ctx, `
		UPDATE auth_login_attempts
		SET failed_attempts = $2, locked_until = $3, updated_at = $4
		WHERE email = $1
	`, email, nextFailed, timeOrNil(nextLock), now.UTC())
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("update failed login attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return LoginAttempt{}, fmt.Errorf("commit login attempt tx: %w", err)
	}

	return LoginAttempt{FailedAttempts: nextFailed, LockedUntil: nextLock}, nil
}

func (r *Repository) SetPendingMFASecret(ctx context.Context, accountID, secret string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE admin_accounts
		SET mfa_secret_pending = $2
		WHERE id = $1
	`, accountID, secret)
	if err != nil {
		return fmt.Errorf("store pending mfa secret: %w", err)
	}

	return requireAffected(res, ErrAccountNotFound)
}

func (r *Repository) ActivateMFA(ctx context.Context, accountID, expectedPending string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE admin_accounts
		SET mfa_enabled = TRUE, mfa_secret = mfa_secret_pending, mfa_secret_pending = NULL
		WHERE id = $1 AND mfa_secret_pending = $2
	`, accountID, expectedPending)
	if err != nil {
		return fmt.Errorf("activate mfa: %w", err)
	}

	return requireAffected(res, ErrMFAEnrollmentChanged)
}

func (r *Repository) DisableMFA(ctx context.Context, accountID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE admin_accounts
		SET mfa_enabled = FALSE, mfa_secret = NULL, mfa_secret_pending = NULL
		WHERE id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}

	return requireAffected(res, ErrAccountNotFound)
}

func (r *Repository) SetResetToken(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE admin_accounts
		SET reset_token_hash = $2, reset_token_expiry = $3
		WHERE id = $1
	`, accountID, tokenHash, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	return requireAffected(res, ErrAccountNotFound)
}

func (r *Repository) ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error) {
	var accountID string
	err := r.db.QueryRowContext(ctx, `
		UPDATE admin_accounts
		SET password_hash = $2,
			password_login_enabled = TRUE,
			password_changed_at = $3,
			reset_token_hash = NULL,
			reset_token_expiry = NULL,
			failed_login_attempts = 0,
			locked_until = NULL
		WHERE reset_token_hash = $1 AND reset_token_expiry > $3
		RETURNING id
	`, tokenHash, newPasswordHash, now.UTC()).Scan(&accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidResetToken
		}
		return "", fmt.Errorf("consume reset token: %w", err)
	}

	return accountID, nil
}

// CleanupExpired clears expired reset tokens and lockouts and deletes stale
// shadow counters, at most batchSize rows of each per call.
func (r *Repository) CleanupExpired(ctx context.Context, now time.Time, loginAttemptRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if loginAttemptRetention <= 0 {
		loginAttemptRetention = 30 * 24 * time.Hour
	}

	resetTokens, err := r.execAffected(ctx, "clear expired reset tokens", `
		UPDATE admin_accounts
		SET reset_token_hash = NULL, reset_token_expiry = NULL
		WHERE id IN (
			SELECT id FROM admin_accounts
			WHERE reset_token_expiry IS NOT NULL AND reset_token_expiry <= $1
			ORDER BY reset_token_expiry ASC
			LIMIT $2
		)
	`, now.UTC(), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	lockouts, err := r.execAffected(ctx, "clear expired lockouts", `
		UPDATE admin_accounts
		SET failed_login_attempts = 0, locked_until = NULL
		WHERE id IN (
			SELECT id FROM admin_accounts
			WHERE locked_until IS NOT NULL AND locked_until <= $1
			ORDER BY locked_until ASC
			LIMIT $2
		)
	`, now.UTC(), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	attempts, err := r.execAffected(ctx, "delete stale login attempts", `
		WITH stale AS (
			SELECT email
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < $2)
			ORDER BY updated_at ASC
			LIMIT $3
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.email = stale.email
	`, now.UTC().Add(-loginAttemptRetention), now.UTC(), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		ClearedResetTokens:   resetTokens,
		ClearedLockouts:      lockouts,
		DeletedLoginAttempts: attempts,
	}, nil
}

func (r *Repository) execAffected(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}

	return affected, nil
}

func requireAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
