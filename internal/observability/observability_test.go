package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return NewLoggerFromZap(zap.New(core)), logs
}

func TestLoggerWritesFields(t *testing.T) {
	logger, logs := newObservedLogger()

	logger.Warn("auth_login_locked", map[string]any{"email": "admin@example.com", "attempts": 5})

	entries := logs.FilterMessage("auth_login_locked").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "admin@example.com", ctx["email"])
	assert.EqualValues(t, 5, ctx["attempts"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.Info("noop", nil)
		logger.Sync()
	})
}

func TestRecoverMiddleware(t *testing.T) {
	logger, logs := newObservedLogger()
	handler := RecoverMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/explode", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("panic_recovered").Len())
}

func TestRequestLoggingMiddlewareRecordsStatus(t *testing.T) {
	logger, logs := newObservedLogger()
	handler := RequestLoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.Header.Set("X-Forwarded-For", "10.9.9.9, 203.0.113.7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.EqualValues(t, http.StatusTeapot, ctx["status"])
	assert.Equal(t, "203.0.113.7", ctx["ip"])
	assert.Equal(t, "/auth/login", ctx["path"])
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:4000"
	assert.Equal(t, "198.51.100.2", ClientIP(req))

	req.RemoteAddr = "not-a-host-port"
	assert.Equal(t, "not-a-host-port", ClientIP(req))

	req.RemoteAddr = ""
	assert.Equal(t, "unknown", ClientIP(req))
}

func TestClientIPIgnoresClientSuppliedHops(t *testing.T) {
	for _, forwarded := range []string{
		"203.0.113.7",
		"1.1.1.1, 203.0.113.7",
		"2.2.2.2, 3.3.3.3, 203.0.113.7",
		" 203.0.113.7 ",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", forwarded)
		assert.Equal(t, "203.0.113.7", ClientIP(req), forwarded)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:4000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7,")
	assert.Equal(t, "198.51.100.2", ClientIP(req))
}

func TestScrubEventDropsSecrets(t *testing.T) {
	event := &sentry.Event{Request: &sentry.Request{
		Data:    `{"password":"hunter2hunter2"}`,
		Cookies: "session=abc",
		Headers: map[string]string{"Authorization": "Bearer x", "User-Agent": "curl"},
	}}

	out := scrubEvent(event, nil)

	assert.Empty(t, out.Request.Data)
	assert.Empty(t, out.Request.Cookies)
	assert.NotContains(t, out.Request.Headers, "Authorization")
	assert.Equal(t, "curl", out.Request.Headers["User-Agent"])
}
