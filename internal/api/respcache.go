package api

import (
	"bytes"
	"net/http"

	"github.com/gantry-io/gantry/internal/auth"
	"github.com/gantry-io/gantry/internal/cache"
	"github.com/gantry-io/gantry/internal/router"
)

// maxCachedBody bounds the size of a single cached response. Larger bodies
// pass through uncached.
const maxCachedBody = 1 << 20

// cachedResponse is one stored response, replayed verbatim on a hit.
type cachedResponse struct {
	status      int
	contentType string
	body        []byte
}

// ResponseCache serves repeated GETs on cache-enabled routes from memory.
// Only 200 responses are stored, keyed by path and query plus the principal
// so authenticated responses never leak across users. Hits and misses are
// reported in the X-Cache header.
type ResponseCache struct {
	store *cache.Cache[string, cachedResponse]
}

// NewResponseCache builds a response cache. Zero options select the cache
// package defaults.
func NewResponseCache(opts cache.Options) *ResponseCache {
	return &ResponseCache{store: cache.New[string, cachedResponse](opts)}
}

// SweepExpired drops expired entries and returns how many went. Scheduled on
// the background task runner.
func (rc *ResponseCache) SweepExpired() int { return rc.store.SweepExpired() }

// Len reports the number of stored responses.
func (rc *ResponseCache) Len() int { return rc.store.Len() }

// cacheKey derives the cache key for a request. The principal's user ID
// prefixes the path so two users never share an authenticated entry.
func cacheKey(r *http.Request) string {
	k := r.URL.Path
	if q := r.URL.RawQuery; q != "" {
		k += "?" + q
	}
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		k = p.UserID + "\x00" + k
	}
	return k
}

// Middleware returns the pipeline stage. It runs after route lookup and
// authentication: the matched route's CacheEnabled flag decides whether the
// request participates, and the principal is already attached for keying.
func (rc *ResponseCache) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := router.RouteFromContext(r.Context())
			if route == nil || !route.CacheEnabled || r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			k := cacheKey(r)
			if resp, ok := rc.store.Get(k); ok {
				if resp.contentType != "" {
					w.Header().Set("Content-Type", resp.contentType)
				}
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(resp.status)
				w.Write(resp.body)
				return
			}

			w.Header().Set("X-Cache", "MISS")
			rec := &cacheRecorder{responseWriter: responseWriter{ResponseWriter: w, status: http.StatusOK}}
			next.ServeHTTP(rec, r)

			if rec.status == http.StatusOK && !rec.oversize {
				rc.store.Set(k, cachedResponse{
					status:      rec.status,
					contentType: rec.Header().Get("Content-Type"),
					body:        rec.buf.Bytes(),
				})
			}
		})
	}
}

// cacheRecorder buffers the body on its way through so a 200 can be stored
// after the handler returns. Buffering stops past maxCachedBody.
type cacheRecorder struct {
	responseWriter
	buf      bytes.Buffer
	oversize bool
}

func (cr *cacheRecorder) Write(b []byte) (int, error) {
	if !cr.oversize {
		if cr.buf.Len()+len(b) > maxCachedBody {
			cr.oversize = true
			cr.buf.Reset()
		} else {
			cr.buf.Write(b)
		}
	}
	return cr.responseWriter.Write(b)
}
