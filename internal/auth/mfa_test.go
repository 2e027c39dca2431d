package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()

	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func enrollActive(t *testing.T, f serviceFixture, account Account) string {
	t.Helper()
	ctx := context.Background()

	enrollment, err := f.service.BeginMFAEnrollment(ctx, account.ID)
	require.NoError(t, err)
	require.NoError(t, f.service.ConfirmMFAEnrollment(ctx, account.ID, totpCode(t, enrollment.Secret, f.clock.Now())))
	return enrollment.Secret
}

func TestBeginMFAEnrollment(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.TOTPIssuer = "Store Admin" })
	account := f.addAccount(t, "owner@example.com", testPassword)

	enrollment, err := f.service.BeginMFAEnrollment(context.Background(), account.ID)
	require.NoError(t, err)

	assert.NotEmpty(t, enrollment.Secret)
	assert.True(t, strings.HasPrefix(enrollment.ProvisioningURI, "otpauth://totp/"))
	assert.Contains(t, enrollment.ProvisioningURI, "issuer=Store")

	stored := f.store.get(account.ID)
	assert.Equal(t, MFAPending, stored.MFA.State())
	assert.Equal(t, enrollment.Secret, stored.MFA.PendingSecret)
}

func TestConfirmMFAEnrollmentActivates(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)

	secret := enrollActive(t, f, account)

	stored := f.store.get(account.ID)
	assert.Equal(t, MFAActive, stored.MFA.State())
	assert.Equal(t, secret, stored.MFA.Secret)
	assert.Empty(t, stored.MFA.PendingSecret)
}

func TestConfirmMFAEnrollmentErrors(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	ctx := context.Background()

	require.ErrorIs(t, f.service.ConfirmMFAEnrollment(ctx, account.ID, "123456"), ErrNoPendingEnrollment)

	_, err := f.service.BeginMFAEnrollment(ctx, account.ID)
	require.NoError(t, err)
	require.ErrorIs(t, f.service.ConfirmMFAEnrollment(ctx, account.ID, "not-a-code"), ErrInvalidMFACode)
	assert.Equal(t, MFAPending, f.store.get(account.ID).MFA.State())

	require.ErrorIs(t, f.service.ConfirmMFAEnrollment(ctx, "missing", "123456"), ErrUnauthorized)
}

func TestReEnrollmentKeepsActiveSecret(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	ctx := context.Background()

	oldSecret := enrollActive(t, f, account)

	enrollment, err := f.service.BeginMFAEnrollment(ctx, account.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldSecret, enrollment.Secret)

	now := f.clock.Now()
	// Login still verifies against the active secret only.
	require.NoError(t, f.service.VerifyMFACode(ctx, account.ID, totpCode(t, oldSecret, now)))
	require.ErrorIs(t, f.service.VerifyMFACode(ctx, account.ID, totpCode(t, enrollment.Secret, now)), ErrInvalidMFACode)

	// Confirmation only accepts the pending secret.
	require.ErrorIs(t, f.service.ConfirmMFAEnrollment(ctx, account.ID, totpCode(t, oldSecret, now)), ErrInvalidMFACode)
	require.NoError(t, f.service.ConfirmMFAEnrollment(ctx, account.ID, totpCode(t, enrollment.Secret, now)))

	stored := f.store.get(account.ID)
	assert.Equal(t, enrollment.Secret, stored.MFA.Secret)
	assert.Empty(t, stored.MFA.PendingSecret)

	// After promotion the replaced secret no longer verifies.
	require.ErrorIs(t, f.service.VerifyMFACode(ctx, account.ID, totpCode(t, oldSecret, now)), ErrInvalidMFACode)
	require.NoError(t, f.service.VerifyMFACode(ctx, account.ID, totpCode(t, enrollment.Secret, now)))
}

func TestBeginMFAEnrollmentNeedsPasswordLogin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.service.Federate(ctx, "ops@example.com", "Ops")
	require.NoError(t, err)
	federated, ok := f.store.findEmail("ops@example.com")
	require.True(t, ok)

	_, err = f.service.BeginMFAEnrollment(ctx, federated.ID)
	require.ErrorIs(t, err, ErrPasswordLoginDisabled)
	assert.Equal(t, MFADisabled, f.store.get(federated.ID).MFA.State())
}

func TestConfirmMFAEnrollmentLosesToNewerEnrollment(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	ctx := context.Background()

	first, err := f.service.BeginMFAEnrollment(ctx, account.ID)
	require.NoError(t, err)
	code := totpCode(t, first.Secret, f.clock.Now())

	// A second enrollment lands between loading the account and activating.
	require.NoError(t, f.store.SetPendingMFASecret(ctx, account.ID, "JBSWY3DPEHPK3PXP"))
	require.ErrorIs(t, f.store.ActivateMFA(ctx, account.ID, first.Secret), ErrMFAEnrollmentChanged)

	require.ErrorIs(t, f.service.ConfirmMFAEnrollment(ctx, account.ID, code), ErrInvalidMFACode)
	assert.Equal(t, MFAPending, f.store.get(account.ID).MFA.State())
}

func TestTOTPAcceptsTwoStepsOfDrift(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	secret := enrollActive(t, f, account)
	ctx := context.Background()

	now := f.clock.Now()
	step := time.Duration(totpPeriod) * time.Second

	for _, offset := range []int{-2, -1, 0, 1, 2} {
		code := totpCode(t, secret, now.Add(time.Duration(offset)*step))
		assert.NoError(t, f.service.VerifyMFACode(ctx, account.ID, code), "offset %d", offset)
	}
	for _, offset := range []int{-3, 3} {
		code := totpCode(t, secret, now.Add(time.Duration(offset)*step))
		assert.ErrorIs(t, f.service.VerifyMFACode(ctx, account.ID, code), ErrInvalidMFACode, "offset %d", offset)
	}
}

func TestVerifyMFACodeWithoutMFA(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)

	require.ErrorIs(t, f.service.VerifyMFACode(context.Background(), account.ID, "123456"), ErrMFANotEnabled)
}

func TestLoginWithMFARequiresSecondStep(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	secret := enrollActive(t, f, account)
	ctx := context.Background()

	result, err := f.service.Login(ctx, "owner@example.com", testPassword)
	require.NoError(t, err)
	require.Equal(t, LoginMFARequired, result.Status)
	assert.Empty(t, result.Session.AccessToken)
	assert.Equal(t, int64(300), result.PendingExpiresIn)

	// The pending token alone never authorizes anything.
	_, err = f.service.Authorize(result.PendingToken)
	require.ErrorIs(t, err, ErrUnauthorized)

	stale := totpCode(t, secret, f.clock.Now().Add(-10*time.Minute))
	_, err = f.service.VerifyMFA(ctx, result.PendingToken, stale)
	require.ErrorIs(t, err, ErrInvalidMFACode)

	tokens, err := f.service.VerifyMFA(ctx, result.PendingToken, totpCode(t, secret, f.clock.Now()))
	require.NoError(t, err)

	claims, err := f.service.Authorize(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, claims.AccountID())
}

func TestVerifyMFARejectsExpiredChallenge(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	secret := enrollActive(t, f, account)
	ctx := context.Background()

	result, err := f.service.Login(ctx, "owner@example.com", testPassword)
	require.NoError(t, err)

	f.clock.Advance(5*time.Minute + time.Second)

	_, err = f.service.VerifyMFA(ctx, result.PendingToken, totpCode(t, secret, f.clock.Now()))
	require.ErrorIs(t, err, ErrMFAChallengeInvalid)
}

func TestVerifyMFARejectsSessionToken(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)

	session, err := f.service.tokens.IssueSession(account)
	require.NoError(t, err)

	_, err = f.service.VerifyMFA(context.Background(), session.AccessToken, "123456")
	require.ErrorIs(t, err, ErrMFAChallengeInvalid)
}

func TestVerifyMFAAfterMFADisabled(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	secret := enrollActive(t, f, account)
	ctx := context.Background()

	result, err := f.service.Login(ctx, "owner@example.com", testPassword)
	require.NoError(t, err)
	require.NoError(t, f.service.DisableMFA(ctx, account.ID, testPassword))

	_, err = f.service.VerifyMFA(ctx, result.PendingToken, totpCode(t, secret, f.clock.Now()))
	require.ErrorIs(t, err, ErrMFAChallengeInvalid)
}

func TestDisableMFA(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	enrollActive(t, f, account)
	ctx := context.Background()

	require.ErrorIs(t, f.service.DisableMFA(ctx, account.ID, "wrong password!"), ErrInvalidPassword)
	require.ErrorIs(t, f.service.DisableMFA(ctx, account.ID, ""), ErrInvalidPassword)
	assert.Equal(t, MFAActive, f.store.get(account.ID).MFA.State())

	require.NoError(t, f.service.DisableMFA(ctx, account.ID, testPassword))
	assert.Equal(t, MFADisabled, f.store.get(account.ID).MFA.State())

	result, err := f.service.Login(ctx, "owner@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, LoginAuthenticated, result.Status)
}

func TestDisableMFARefusedWhileLocked(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	enrollActive(t, f, account)
	ctx := context.Background()

	for range 5 {
		_, err := f.service.Login(ctx, "owner@example.com", "wrong password!")
		require.Error(t, err)
	}
	locked := f.store.get(account.ID)
	require.NotNil(t, locked.LockedUntil)

	var lockErr ErrLoginLocked
	require.ErrorAs(t, f.service.DisableMFA(ctx, account.ID, testPassword), &lockErr)
	assert.Equal(t, *locked.LockedUntil, lockErr.Until)

	for range 20 {
		require.ErrorAs(t, f.service.DisableMFA(ctx, account.ID, "wrong password!"), &lockErr)
	}
	stored := f.store.get(account.ID)
	assert.Equal(t, 5, stored.FailedLoginAttempts)
	assert.Equal(t, locked.LockedUntil, stored.LockedUntil)
	assert.Equal(t, MFAActive, stored.MFA.State())

	f.clock.Advance(15 * time.Minute)
	require.NoError(t, f.service.DisableMFA(ctx, account.ID, testPassword))
	stored = f.store.get(account.ID)
	assert.Equal(t, MFADisabled, stored.MFA.State())
	assert.Zero(t, stored.FailedLoginAttempts)
	assert.Nil(t, stored.LockedUntil)
}

func TestDisableMFAWrongPasswordCountsTowardLockout(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	enrollActive(t, f, account)
	ctx := context.Background()

	require.ErrorIs(t, f.service.DisableMFA(ctx, account.ID, "wrong password!"), ErrInvalidPassword)
	assert.Equal(t, 1, f.store.get(account.ID).FailedLoginAttempts)

	_, err := f.service.Login(ctx, "owner@example.com", "wrong password!")
	assert.Equal(t, 3, attemptsRemaining(t, err))

	for range 3 {
		require.ErrorIs(t, f.service.DisableMFA(ctx, account.ID, "wrong password!"), ErrInvalidPassword)
	}
	require.NotNil(t, f.store.get(account.ID).LockedUntil)

	_, err = f.service.Login(ctx, "owner@example.com", testPassword)
	var lockErr ErrLoginLocked
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, MFAActive, f.store.get(account.ID).MFA.State())
}

func TestDisableMFAClearsFailureCount(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, "owner@example.com", testPassword)
	enrollActive(t, f, account)
	ctx := context.Background()

	require.ErrorIs(t, f.service.DisableMFA(ctx, account.ID, "wrong password!"), ErrInvalidPassword)
	require.ErrorIs(t, f.service.DisableMFA(ctx, account.ID, "wrong password!"), ErrInvalidPassword)
	require.NoError(t, f.service.DisableMFA(ctx, account.ID, testPassword))

	stored := f.store.get(account.ID)
	assert.Zero(t, stored.FailedLoginAttempts)
	assert.Equal(t, MFADisabled, stored.MFA.State())
}
