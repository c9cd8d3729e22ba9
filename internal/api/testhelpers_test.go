package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/api"
	"github.com/gantry-io/gantry/internal/config"
	"github.com/gantry-io/gantry/internal/router"
	"github.com/gantry-io/gantry/internal/session"
)

// testSecret signs every test token. Long enough to satisfy the production
// length check should a test flip modes.
const testSecret = "unit-test-secret-0123456789abcdef"

// signToken builds a signed JWT with sane default claims; mutate tweaks them
// per test (nil keeps the defaults).
func signToken(t *testing.T, secret string, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":      "user-1",
		"username": "ada",
		"role":     "admin",
		"sid":      "sess-1",
		"exp":      time.Now().Add(time.Hour).Unix(),
		"iat":      time.Now().Add(-time.Minute).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// testPipeline bundles a built pipeline with the stores tests poke at.
type testPipeline struct {
	handler   http.Handler
	limiter   *api.RateLimiter
	respCache *api.ResponseCache
	sessions  *session.Store
}

// buildPipeline assembles a pipeline over the given routes. Rate limiting is
// off by default so unrelated tests never trip it; mutate re-enables or
// reshapes anything per test.
func buildPipeline(t *testing.T, routes *router.Table, mutate func(*api.PipelineConfig)) testPipeline {
	t.Helper()
	cfg := config.Default()
	cfg.Security.JWT.Secret = testSecret
	cfg.Security.SecurityMiddleware.RateLimit.Enabled = false

	pc := api.PipelineConfig{
		CORS:     cfg.Server.CORS,
		Security: cfg.Security,
		Routes:   routes,
		Sessions: session.NewStore(time.Minute),
	}
	if mutate != nil {
		mutate(&pc)
	}
	handler, limiter, respCache := api.NewPipeline(pc)
	return testPipeline{handler: handler, limiter: limiter, respCache: respCache, sessions: pc.Sessions}
}

// markerHandler writes body and flips called so tests can assert whether the
// handler ran.
func markerHandler(called *bool, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*called = true
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
}

// do runs one request through the pipeline.
func do(tp testPipeline, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	tp.handler.ServeHTTP(rec, r)
	return rec
}

// decodeError parses the framework error envelope.
func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// decodeSecurityError parses the short {"error": ...} envelope used by the
// auth and security stages.
func decodeSecurityError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["error"]
}
