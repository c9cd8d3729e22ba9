package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gantry-io/gantry/internal/config"
)

// corsStage implements cross-origin decoration. Requests without an Origin
// header pass through untouched. Disallowed origins also pass through, just
// without any Access-Control header; rejection is left to the browser.
// Allowed preflights are answered directly with 204 and never reach later
// stages.
type corsStage struct {
	origins          []string
	allowAll         bool
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	maxAge           string
	allowCredentials bool
}

// CORS builds the cross-origin stage from its configuration section.
func CORS(cfg config.CORS) func(http.Handler) http.Handler {
	st := &corsStage{
		origins:          cfg.AllowedOrigins,
		allowMethods:     strings.Join(cfg.AllowedMethods, ", "),
		allowHeaders:     strings.Join(cfg.AllowedHeaders, ", "),
		exposeHeaders:    strings.Join(cfg.ExposedHeaders, ", "),
		allowCredentials: cfg.AllowCredentials,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			st.allowAll = true
			break
		}
	}
	if cfg.MaxAgeSeconds > 0 {
		st.maxAge = strconv.Itoa(cfg.MaxAgeSeconds)
	}
	return st.middleware
}

func (st *corsStage) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !st.originAllowed(origin) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Origin", st.allowOriginValue(origin))
		if st.allowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", st.allowMethods)
			if st.allowHeaders != "" {
				h.Set("Access-Control-Allow-Headers", st.allowHeaders)
			}
			if st.maxAge != "" {
				h.Set("Access-Control-Max-Age", st.maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if st.exposeHeaders != "" {
			h.Set("Access-Control-Expose-Headers", st.exposeHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether the origin may participate. Comparison is
// case-insensitive because scheme and host are case-insensitive in URLs.
func (st *corsStage) originAllowed(origin string) bool {
	if st.allowAll {
		return true
	}
	for _, o := range st.origins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// allowOriginValue picks the header value: the literal "*" for a wildcard
// configuration without credentials, otherwise the request origin. Browsers
// reject "*" combined with Allow-Credentials.
func (st *corsStage) allowOriginValue(origin string) string {
	if st.allowAll && !st.allowCredentials {
		return "*"
	}
	return origin
}
