package api

import (
	"net/http"
	"runtime/debug"
)

// Recovery converts panics escaping later stages or handlers into a 500
// response. http.ErrAbortHandler is re-raised so the server can kill the
// connection the way net/http expects.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			LoggerFromContext(r.Context()).Error("panic recovered",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			errorJSON(w, http.StatusInternalServerError, MsgInternalError)
		}()
		next.ServeHTTP(w, r)
	})
}
