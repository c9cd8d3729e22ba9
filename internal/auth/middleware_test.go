package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/auth"
	"github.com/gantry-io/gantry/internal/config"
	"github.com/gantry-io/gantry/internal/router"
)

const testSecret = "auth-test-secret-0123456789abcdef"

func testSecurity(mutate func(*config.Security)) config.Security {
	sec := config.Default().Security
	sec.JWT.Secret = testSecret
	if mutate != nil {
		mutate(&sec)
	}
	return sec
}

func sign(t *testing.T, secret string, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":      "user-9",
		"username": "grace",
		"role":     "operator",
		"sid":      "sess-9",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// protect wraps a recording handler in the middleware.
func protect(sec config.Security) (http.Handler, *auth.Principal) {
	var principal auth.Principal
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ = auth.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return auth.Middleware(sec)(handler), &principal
}

func send(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_MissingTokenRejected(t *testing.T) {
	h, _ := protect(testSecurity(nil))

	rec := send(h, httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Authentication token is required"}`, rec.Body.String())
}

func TestMiddleware_ValidTokenAttachesPrincipal(t *testing.T) {
	h, principal := protect(testSecurity(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, nil))
	rec := send(h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-9", principal.UserID)
	assert.Equal(t, "grace", principal.Username)
	assert.Equal(t, "operator", principal.Role)
	assert.Equal(t, "sess-9", principal.SessionID)
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	h, _ := protect(testSecurity(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, func(c jwt.MapClaims) {
		c["exp"] = time.Now().Add(-time.Minute).Unix()
	}))
	rec := send(h, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Authentication token has expired"}`, rec.Body.String())
}

func TestMiddleware_WrongSignature(t *testing.T) {
	h, _ := protect(testSecurity(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, "a-completely-different-secret-0123", nil))
	rec := send(h, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid authentication token"}`, rec.Body.String())
}

func TestMiddleware_TokenWithoutExpiryRejected(t *testing.T) {
	h, _ := protect(testSecurity(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, func(c jwt.MapClaims) {
		delete(c, "exp")
	}))
	rec := send(h, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_NotYetValidToken(t *testing.T) {
	h, _ := protect(testSecurity(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, func(c jwt.MapClaims) {
		c["nbf"] = time.Now().Add(time.Hour).Unix()
	}))
	rec := send(h, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid authentication token"}`, rec.Body.String())
}

func TestMiddleware_IssuerChecked(t *testing.T) {
	sec := testSecurity(func(s *config.Security) { s.JWT.Issuer = "gantry" })
	h, _ := protect(sec)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, func(c jwt.MapClaims) {
		c["iss"] = "someone-else"
	}))
	assert.Equal(t, http.StatusUnauthorized, send(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, func(c jwt.MapClaims) {
		c["iss"] = "gantry"
	}))
	assert.Equal(t, http.StatusOK, send(h, req).Code)
}

func TestMiddleware_AudienceScalarOrArray(t *testing.T) {
	sec := testSecurity(func(s *config.Security) { s.JWT.Audience = "gantry-api" })
	h, _ := protect(sec)

	cases := map[string]struct {
		aud  any
		want int
	}{
		"scalar match":            {"gantry-api", http.StatusOK},
		"scalar case-insensitive": {"Gantry-API", http.StatusOK},
		"array containing":        {[]string{"other", "gantry-api"}, http.StatusOK},
		"scalar mismatch":         {"not-us", http.StatusUnauthorized},
		"array without":           {[]string{"other", "another"}, http.StatusUnauthorized},
		"missing":                 {nil, http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
			req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, func(c jwt.MapClaims) {
				if tc.aud == nil {
					delete(c, "aud")
				} else {
					c["aud"] = tc.aud
				}
			}))
			assert.Equal(t, tc.want, send(h, req).Code)
		})
	}
}

func TestMiddleware_PublicOptionsPass(t *testing.T) {
	h, _ := protect(testSecurity(nil))

	rec := send(h, httptest.NewRequest(http.MethodOptions, "/api/v1/customers", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_PublicOptionsDisabled(t *testing.T) {
	sec := testSecurity(func(s *config.Security) { s.AuthMiddleware.AllowPublicOptions = false })
	h, _ := protect(sec)

	rec := send(h, httptest.NewRequest(http.MethodOptions, "/api/v1/customers", http.NoBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_ExcludedPrefixPasses(t *testing.T) {
	sec := testSecurity(func(s *config.Security) {
		s.AuthMiddleware.ExcludedPaths = []string{"/api/v1/public"}
	})
	h, _ := protect(sec)

	rec := send(h, httptest.NewRequest(http.MethodGet, "/api/v1/public/docs", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_RouteOptOutPasses(t *testing.T) {
	h, _ := protect(testSecurity(nil))

	table := router.NewTable()
	require.NoError(t, table.Handle(http.MethodGet, "open", http.NotFoundHandler(), router.Options{Public: true}))
	m, ok := table.Find(http.MethodGet, "/api/v1/open")
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/open", http.NoBody)
	req = req.WithContext(router.ContextWithRoute(req.Context(), m.Route))
	rec := send(h, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_TokenFromCustomHeader(t *testing.T) {
	sec := testSecurity(func(s *config.Security) {
		s.AuthMiddleware.TokenSources = []string{"header:X-Auth-Token:Token "}
	})
	h, principal := protect(sec)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
	req.Header.Set("X-Auth-Token", "Token "+sign(t, testSecret, nil))
	rec := send(h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-9", principal.UserID)
}

func TestMiddleware_TokenFromQueryParam(t *testing.T) {
	sec := testSecurity(func(s *config.Security) {
		s.AuthMiddleware.TokenSources = []string{"queryparam:access_token"}
	})
	h, _ := protect(sec)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers?access_token="+sign(t, testSecret, nil), http.NoBody)
	rec := send(h, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_BearerPreferredOverSources(t *testing.T) {
	sec := testSecurity(func(s *config.Security) {
		s.AuthMiddleware.TokenSources = []string{"queryparam:access_token"}
	})
	h, _ := protect(sec)

	// The query parameter carries garbage; the bearer header must win.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers?access_token=garbage", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, nil))
	rec := send(h, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_MalformedSourceSpecsIgnored(t *testing.T) {
	sec := testSecurity(func(s *config.Security) {
		s.AuthMiddleware.TokenSources = []string{"cookie:nope", "header:", "queryparam:tok"}
	})
	h, _ := protect(sec)

	// Only the queryparam source survives parsing.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers?tok="+sign(t, testSecret, nil), http.NoBody)
	assert.Equal(t, http.StatusOK, send(h, req).Code)

	rec := send(h, httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_NonBearerSchemeIsMissing(t *testing.T) {
	h, _ := protect(testSecurity(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := send(h, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Authentication token is required"}`, rec.Body.String())
}

func TestMiddleware_AlgorithmConfusionRejected(t *testing.T) {
	h, _ := protect(testSecurity(nil))

	// A token declaring "none" must never validate.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-9",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+unsigned)
	rec := send(h, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid authentication token"}`, rec.Body.String())
}
