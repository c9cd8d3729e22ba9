// Package auth provides the JWT authentication stage. It extracts a bearer
// token from the Authorization header or any configured fallback source,
// validates signature and claims, and attaches the resulting principal to
// the request context for handlers downstream.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gantry-io/gantry/internal/config"
	"github.com/gantry-io/gantry/internal/router"
)

// Error messages surfaced on 401 responses.
const (
	msgTokenRequired = "Authentication token is required"
	msgTokenExpired  = "Authentication token has expired"
	msgTokenInvalid  = "Invalid authentication token"
)

// Principal identifies the authenticated caller, extracted from validated
// JWT claims.
type Principal struct {
	UserID    string // "sub" claim
	Username  string // "username" claim
	Role      string // "role" claim
	SessionID string // "sid" claim
}

// principalKey is the context key for the request principal.
type principalKey struct{}

// ContextWithPrincipal returns a new context carrying the principal.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the principal attached by the middleware.
// ok is false for anonymous requests.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// sourceKind selects where a fallback token source reads from.
type sourceKind int

const (
	sourceHeader sourceKind = iota
	sourceQueryParam
)

// tokenSource is one parsed fallback lookup: a header (with optional value
// prefix to strip) or a query parameter.
type tokenSource struct {
	kind   sourceKind
	name   string
	prefix string
}

// parseTokenSources parses specs of the form "header:<name>[:<prefix>]" or
// "queryparam:<name>". Malformed specs are logged and skipped rather than
// failing startup.
func parseTokenSources(specs []string) []tokenSource {
	sources := make([]tokenSource, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		switch {
		case len(parts) >= 2 && parts[0] == "header" && parts[1] != "":
			src := tokenSource{kind: sourceHeader, name: parts[1]}
			if len(parts) == 3 {
				src.prefix = parts[2]
			}
			sources = append(sources, src)
		case len(parts) == 2 && parts[0] == "queryparam" && parts[1] != "":
			sources = append(sources, tokenSource{kind: sourceQueryParam, name: parts[1]})
		default:
			slog.Warn("ignoring malformed token source", "spec", spec)
		}
	}
	return sources
}

// extract pulls the token from the request, preferring the Authorization
// bearer header, then trying each configured source in order.
func extract(r *http.Request, sources []tokenSource) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if t := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); t != "" {
			return t
		}
	}
	for _, src := range sources {
		var v string
		switch src.kind {
		case sourceHeader:
			v = r.Header.Get(src.name)
			if src.prefix != "" {
				if !strings.HasPrefix(v, src.prefix) {
					continue
				}
				v = strings.TrimPrefix(v, src.prefix)
			}
		case sourceQueryParam:
			v = r.URL.Query().Get(src.name)
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Middleware builds the authentication stage. Requests pass unauthenticated
// when public OPTIONS are permitted, when the path carries an excluded
// prefix, or when the matched route opted out of auth. Everything else
// needs a valid token.
func Middleware(sec config.Security) func(http.Handler) http.Handler {
	secret := []byte(sec.JWT.Secret)
	issuer := sec.JWT.Issuer
	audience := sec.JWT.Audience
	excluded := sec.AuthMiddleware.ExcludedPaths
	allowPublicOptions := sec.AuthMiddleware.AllowPublicOptions
	sources := parseTokenSources(sec.AuthMiddleware.TokenSources)

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowPublicOptions && r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			for _, prefix := range excluded {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if rt := router.RouteFromContext(r.Context()); rt != nil && !rt.RequiresAuth {
				next.ServeHTTP(w, r)
				return
			}

			token := extract(r, sources)
			if token == "" {
				unauthorized(w, msgTokenRequired)
				return
			}

			claims := jwt.MapClaims{}
			_, err := parser.ParseWithClaims(token, claims, keyFunc)
			if err != nil {
				msg := msgTokenInvalid
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = msgTokenExpired
				}
				slog.Debug("token rejected", "path", r.URL.Path, "error", err)
				unauthorized(w, msg)
				return
			}
			if !claimsMatch(claims, issuer, audience) {
				unauthorized(w, msgTokenInvalid)
				return
			}

			next.ServeHTTP(w, r.WithContext(
				ContextWithPrincipal(r.Context(), principalFromClaims(claims))))
		})
	}
}

// claimsMatch verifies issuer and audience when configured. The audience
// claim may be a scalar or an array containing the expected value, compared
// case-insensitively.
func claimsMatch(claims jwt.MapClaims, issuer, audience string) bool {
	if issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != issuer {
			return false
		}
	}
	if audience != "" && !audienceContains(claims["aud"], audience) {
		return false
	}
	return true
}

func audienceContains(claim any, want string) bool {
	switch aud := claim.(type) {
	case string:
		return strings.EqualFold(aud, want)
	case []any:
		for _, v := range aud {
			if s, ok := v.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	case []string:
		for _, s := range aud {
			if strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func principalFromClaims(claims jwt.MapClaims) Principal {
	p := Principal{}
	if sub, err := claims.GetSubject(); err == nil {
		p.UserID = sub
	}
	if v, ok := claims["username"].(string); ok {
		p.Username = v
	}
	if v, ok := claims["role"].(string); ok {
		p.Role = v
	}
	if v, ok := claims["sid"].(string); ok {
		p.SessionID = v
	}
	return p
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}
