package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gantry-io/gantry/internal/config"
	"github.com/gantry-io/gantry/internal/session"
)

// CSRF validates a per-session token on mutating requests. The check applies
// only when the method is in the protected set and the request carries a
// live session cookie; anonymous requests pass untouched. The presented
// token comes from the configured header, or the form field as a fallback,
// and is compared in constant time against the token stored in the session.
// After a successful mutating response the stored token is rotated and the
// fresh value echoed on the response header.
func CSRF(cfg config.CSRF, sessions *session.Store) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	protected := make(map[string]bool, len(cfg.ProtectedMethods))
	for _, m := range cfg.ProtectedMethods {
		protected[strings.ToUpper(m)] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !protected[r.Method] {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(cfg.CookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			sess := sessions.GetByID(cookie.Value)
			if sess == nil {
				next.ServeHTTP(w, r)
				return
			}

			expected, ok := sess.Get(cfg.SessionKey)
			presented := r.Header.Get(cfg.HeaderName)
			if presented == "" && cfg.FormField != "" {
				presented = r.PostFormValue(cfg.FormField)
			}
			if !ok || presented == "" ||
				subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
				LoggerFromContext(r.Context()).Warn("csrf token rejected",
					"method", r.Method, "path", r.URL.Path, "presented", presented != "")
				securityError(w, http.StatusForbidden, "CSRF token validation failed")
				return
			}

			next.ServeHTTP(&csrfRotator{
				ResponseWriter: w,
				sess:           sess,
				sessionKey:     cfg.SessionKey,
				header:         cfg.HeaderName,
			}, r)
		})
	}
}

// csrfRotator swaps the session's stored token for a fresh one the moment a
// successful response status is committed, and echoes the new token so the
// client can present it on the next mutation.
type csrfRotator struct {
	http.ResponseWriter
	sess       *session.Session
	sessionKey string
	header     string
	done       bool
}

func (cr *csrfRotator) WriteHeader(code int) {
	if !cr.done {
		cr.done = true
		if code < 400 {
			token := session.NewID()
			cr.sess.Set(cr.sessionKey, token)
			cr.Header().Set(cr.header, token)
		}
	}
	cr.ResponseWriter.WriteHeader(code)
}

func (cr *csrfRotator) Write(b []byte) (int, error) {
	if !cr.done {
		cr.WriteHeader(http.StatusOK)
	}
	return cr.ResponseWriter.Write(b)
}

func (cr *csrfRotator) Unwrap() http.ResponseWriter {
	return cr.ResponseWriter
}
