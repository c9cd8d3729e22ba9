package router

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

type paramsKey struct{}

// ContextWithParams returns a context carrying the extracted parameters.
// The dispatcher attaches them before the handler runs.
func ContextWithParams(ctx context.Context, params Params) context.Context {
	return context.WithValue(ctx, paramsKey{}, params)
}

// ParamsFromContext returns the parameters attached to ctx, or nil when the
// request was not dispatched through the route table.
func ParamsFromContext(ctx context.Context) Params {
	params, _ := ctx.Value(paramsKey{}).(Params)
	return params
}

// ParamValue returns the raw value of a named path parameter, or "" when the
// parameter is absent.
func ParamValue(r *http.Request, name string) string {
	return ParamsFromContext(r.Context())[name]
}

// IntParam converts a named parameter declared as int. The kind check at
// dispatch time guarantees this succeeds for declared int parameters.
func IntParam(r *http.Request, name string) int64 {
	v, _ := strconv.ParseInt(ParamValue(r, name), 10, 64)
	return v
}

// FloatParam converts a named parameter declared as float.
func FloatParam(r *http.Request, name string) float64 {
	v, _ := strconv.ParseFloat(ParamValue(r, name), 64)
	return v
}

// BoolParam converts a named parameter declared as bool. Accepted spellings
// are true, false, 1, and 0, case-insensitively.
func BoolParam(r *http.Request, name string) bool {
	switch strings.ToLower(ParamValue(r, name)) {
	case "true", "1":
		return true
	default:
		return false
	}
}

type routeKey struct{}

// ContextWithRoute attaches the matched route so later pipeline stages can
// read its flags (RequiresAuth, RateLimit) without a second table scan.
func ContextWithRoute(ctx context.Context, route *Route) context.Context {
	return context.WithValue(ctx, routeKey{}, route)
}

// RouteFromContext returns the matched route, or nil before dispatch.
func RouteFromContext(ctx context.Context) *Route {
	route, _ := ctx.Value(routeKey{}).(*Route)
	return route
}
