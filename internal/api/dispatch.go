package api

import (
	"net/http"

	"github.com/gantry-io/gantry/internal/router"
)

// RouteLookup resolves the request against the route table before the auth
// stage runs, so auth can honor per-route flags. Requests matching no route
// terminate here with the 404 envelope; a method mismatch on an otherwise
// matching path is also a 404.
func RouteLookup(table *router.Table) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m, ok := table.Find(r.Method, r.URL.Path)
			if !ok {
				errorJSON(w, http.StatusNotFound, MsgEndpointNotFound)
				return
			}
			ctx := router.ContextWithRoute(r.Context(), m.Route)
			ctx = router.ContextWithParams(ctx, m.Params)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Dispatch is the terminal stage: it validates the extracted parameters
// against their declared kinds and invokes the matched handler. Validation
// failures produce a 400 without running the handler.
func Dispatch() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt := router.RouteFromContext(r.Context())
		if rt == nil {
			// Route lookup did not run; nothing to serve.
			errorJSON(w, http.StatusNotFound, MsgEndpointNotFound)
			return
		}
		m := &router.Match{Route: rt, Params: router.ParamsFromContext(r.Context())}
		if err := m.ValidateParams(); err != nil {
			LoggerFromContext(r.Context()).Warn("route parameter rejected",
				"path", r.URL.Path, "error", err)
			errorJSON(w, http.StatusBadRequest, msgInvalidParam)
			return
		}
		rt.Handler.ServeHTTP(w, r)
	})
}
