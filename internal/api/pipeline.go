package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/gantry-io/gantry/internal/auth"
	"github.com/gantry-io/gantry/internal/cache"
	"github.com/gantry-io/gantry/internal/config"
	"github.com/gantry-io/gantry/internal/router"
	"github.com/gantry-io/gantry/internal/session"
)

// Chain composes middlewares around h, first argument outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// PipelineConfig carries the dependencies of the request pipeline.
type PipelineConfig struct {
	CORS     config.CORS
	Security config.Security
	Routes   *router.Table
	Sessions *session.Store
	TLS      bool
}

// NewPipeline assembles the stage chain:
//
//	CORS → request ID → real IP → logging → recovery →
//	security headers → rate limit → CSRF → route lookup → auth →
//	response cache → dispatch
//
// Stages terminate a request by writing a response and not calling the next
// one. The returned RateLimiter is nil when rate limiting is disabled;
// otherwise the caller schedules its Purge. The ResponseCache is always
// returned; the caller schedules its SweepExpired.
func NewPipeline(pc PipelineConfig) (http.Handler, *RateLimiter, *ResponseCache) {
	sm := pc.Security.SecurityMiddleware

	stages := []func(http.Handler) http.Handler{
		CORS(pc.CORS),
		RequestID,
		middleware.RealIP,
		RequestLogger,
		Recovery,
		SecurityHeaders(sm.Headers, pc.TLS),
	}

	var limiter *RateLimiter
	if sm.RateLimit.Enabled {
		limiter = NewRateLimiter(sm.RateLimit)
		stages = append(stages, limiter.Middleware())
	}
	if sm.CSRF.Enabled && pc.Sessions != nil {
		stages = append(stages, CSRF(sm.CSRF, pc.Sessions))
	}

	respCache := NewResponseCache(cache.Options{})
	stages = append(stages,
		RouteLookup(pc.Routes),
		auth.Middleware(pc.Security),
		respCache.Middleware(),
	)

	return Chain(Dispatch(), stages...), limiter, respCache
}
