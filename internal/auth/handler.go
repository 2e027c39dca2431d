package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"admin-serverless/internal/oauth"
)

const maxJSONBodyBytes = 1 << 20

// IdentityVerifier turns a provider id_token into a verified identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (oauth.Identity, error)
}

type Handler struct {
	service  *Service
	verifier IdentityVerifier
}

// NewHandler wires the HTTP surface. verifier may be nil, which disables the
// OAuth endpoint.
func NewHandler(service *Service, verifier IdentityVerifier) *Handler {
	return &Handler{service: service, verifier: verifier}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Status string `json:"status"`
	Tokens
}

type mfaChallengeResponse struct {
	Status    string `json:"status"`
	MFAToken  string `json:"mfa_token"`
	ExpiresIn int64  `json:"expires_in"`
}

type verifyMFARequest struct {
	MFAToken string `json:"mfa_token"`
	Code     string `json:"code"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type completeResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type oauthRequest struct {
	IDToken string `json:"id_token"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if body.Email == "" || body.Password == "" || len(body.Email) > 254 || len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	result, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		var invalid InvalidCredentialsError
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":              "invalid credentials",
				"attempts_remaining": invalid.AttemptsRemaining,
			})
			return
		}
		h.writeServiceError(w, err, "failed to login")
		return
	}

	switch result.Status {
	case LoginMFARequired:
		writeJSON(w, http.StatusOK, mfaChallengeResponse{
			Status:    string(LoginMFARequired),
			MFAToken:  result.PendingToken,
			ExpiresIn: result.PendingExpiresIn,
		})
	default:
		writeJSON(w, http.StatusOK, loginResponse{Status: string(LoginAuthenticated), Tokens: result.Session})
	}
}

func (h *Handler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var body verifyMFARequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.VerifyMFA(r.Context(), strings.TrimSpace(body.MFAToken), body.Code)
	if err != nil {
		h.writeServiceError(w, err, "failed to verify mfa")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Status: string(LoginAuthenticated), Tokens: tokens})
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body resetRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	h.service.RequestPasswordReset(r.Context(), body.Email)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "ok",
		"message": "if the account exists, a reset link has been sent",
	})
}

func (h *Handler) CompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	var body completeResetRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.CompletePasswordReset(r.Context(), body.Token, body.NewPassword); err != nil {
		h.writeServiceError(w, err, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) FederateGoogle(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		writeError(w, http.StatusNotFound, "oauth sign-in is not enabled")
		return
	}

	var body oauthRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	identity, err := h.verifier.Verify(r.Context(), body.IDToken)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidIDToken) || errors.Is(err, oauth.ErrEmailNotVerified) {
			writeError(w, http.StatusUnauthorized, "invalid identity token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "identity provider unavailable")
		return
	}

	tokens, err := h.service.Federate(r.Context(), identity.Email, identity.Name)
	if err != nil {
		h.writeServiceError(w, err, "failed to sign in")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Status: string(LoginAuthenticated), Tokens: tokens})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": claims.AccountID(),
		"email":      claims.Email,
		"role":       claims.Role,
		"expires_at": claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) BeginMFAEnrollment(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	enrollment, err := h.service.BeginMFAEnrollment(r.Context(), claims.AccountID())
	if err != nil {
		h.writeServiceError(w, err, "failed to start mfa enrollment")
		return
	}

	writeJSON(w, http.StatusOK, enrollment)
}

func (h *Handler) ConfirmMFAEnrollment(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	var body codeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ConfirmMFAEnrollment(r.Context(), claims.AccountID(), body.Code); err != nil {
		h.writeServiceError(w, err, "failed to confirm mfa enrollment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	var body passwordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.DisableMFA(r.Context(), claims.AccountID(), body.Password); err != nil {
		h.writeServiceError(w, err, "failed to disable mfa")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps core errors to responses. Anything unrecognised is
// treated as infrastructure failure.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var locked ErrLoginLocked
	switch {
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", strconv.Itoa(int(locked.RetryAfter(h.now()).Seconds())))
		writeError(w, http.StatusTooManyRequests, "login temporarily locked")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrMFAChallengeInvalid):
		writeError(w, http.StatusUnauthorized, "mfa challenge expired or invalid")
	case errors.Is(err, ErrInvalidMFACode):
		writeError(w, http.StatusUnauthorized, "invalid code")
	case errors.Is(err, ErrInvalidPassword):
		writeError(w, http.StatusUnauthorized, "invalid password")
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, ErrInvalidResetToken):
		writeError(w, http.StatusBadRequest, "invalid or expired reset token")
	case errors.Is(err, ErrWeakPassword), errors.Is(err, ErrPasswordTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrMFANotEnabled):
		writeError(w, http.StatusConflict, "mfa is not enabled")
	case errors.Is(err, ErrNoPendingEnrollment):
		writeError(w, http.StatusConflict, "no mfa enrollment in progress")
	case errors.Is(err, ErrPasswordLoginDisabled):
		writeError(w, http.StatusConflict, "set a password before enabling mfa")
	case errors.Is(err, ErrWhitelistNotConfigured):
		writeError(w, http.StatusForbidden, "oauth sign-in is not configured")
	case errors.Is(err, ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, ErrCapacityReached):
		writeError(w, http.StatusForbidden, "account limit reached")
	case errors.Is(err, ErrUnavailable):
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func (h *Handler) now() time.Time {
	if h.service == nil {
		return time.Now()
	}
	return h.service.now()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
