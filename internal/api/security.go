package api

import (
	"net/http"

	"github.com/gantry-io/gantry/internal/config"
)

// SecurityHeaders applies the configured response headers to every request.
// Strict-Transport-Security is only meaningful over TLS, so it is sent only
// when the listener is serving TLS.
func SecurityHeaders(cfg config.Headers, tlsListener bool) func(http.Handler) http.Handler {
	type header struct{ name, value string }
	headers := []header{
		{"Content-Security-Policy", cfg.ContentSecurityPolicy},
		{"X-Frame-Options", cfg.XFrameOptions},
		{"X-XSS-Protection", cfg.XXSSProtection},
		{"X-Content-Type-Options", cfg.XContentTypeOptions},
		{"Referrer-Policy", cfg.ReferrerPolicy},
		{"Permissions-Policy", cfg.PermissionsPolicy},
		{"X-Download-Options", cfg.XDownloadOptions},
		{"X-DNS-Prefetch-Control", cfg.XDNSPrefetchControl},
	}
	if tlsListener && cfg.StrictTransportSecurity != "" {
		headers = append(headers, header{"Strict-Transport-Security", cfg.StrictTransportSecurity})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, hd := range headers {
				if hd.value != "" {
					h.Set(hd.name, hd.value)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
