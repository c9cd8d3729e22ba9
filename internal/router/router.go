// Package router compiles path templates into an ordered route table and
// matches incoming requests against it.
//
// Templates are literal segments mixed with parameter placeholders of the
// form :name or :name(kind), kind one of int, float, bool, uuid (omitted
// means string). Every registered path is served under the /api/v1 prefix.
// Matching scans routes in registration order and returns the first whose
// pattern and method both match, so more specific templates must be
// registered before overlapping general ones.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Prefix is prepended to every registered path template.
const Prefix = "/api/v1"

// ErrFrozen is returned when a route is registered after the table has been
// handed to a running engine.
var ErrFrozen = errors.New("route table is frozen")

// Kind is the declared type of a path parameter.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindUUID
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindUUID:
		return "uuid"
	default:
		return "string"
	}
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "", "string":
		return KindString, nil
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "bool":
		return KindBool, nil
	case "uuid":
		return KindUUID, nil
	default:
		return KindString, fmt.Errorf("unknown parameter kind %q", s)
	}
}

// validate checks a raw extracted value against the kind. Captures match
// [^/]+ so values are never empty; uuid and string accept anything further
// validation is left to handlers.
func (k Kind) validate(value string) error {
	switch k {
	case KindInt:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("%q is not an integer", value)
		}
	case KindFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%q is not a number", value)
		}
	case KindBool:
		switch strings.ToLower(value) {
		case "true", "1", "false", "0":
		default:
			return fmt.Errorf("%q is not a boolean", value)
		}
	case KindUUID, KindString:
		if value == "" {
			return errors.New("empty value")
		}
	}
	return nil
}

// Param is one declared path parameter, in declaration order.
type Param struct {
	Name string
	Kind Kind
}

// Route is one immutable entry in the table. Handlers are plain
// http.Handlers; the dispatcher puts the extracted Params into the request
// context before invoking them.
type Route struct {
	Method       string
	Template     string
	Pattern      *regexp.Regexp
	Params       []Param
	Handler      http.Handler
	RequiresAuth bool
	CacheEnabled bool
	RateLimit    int
}

// Params maps parameter names to the raw values captured from the path.
type Params map[string]string

// paramPattern matches :name or :name(kind) placeholders inside a segment.
var paramPattern = regexp.MustCompile(`^:([A-Za-z_][A-Za-z0-9_]*)(?:\(([a-z]+)\))?$`)

// Compile turns a template like "customers/:id(int)" into an anchored
// pattern with one named capture per parameter.
func Compile(template string) (*regexp.Regexp, []Param, error) {
	full := Prefix + "/" + strings.Trim(template, "/")
	var (
		pattern strings.Builder
		params  []Param
	)
	pattern.WriteString("^")
	for _, seg := range strings.Split(strings.TrimPrefix(full, "/"), "/") {
		pattern.WriteString("/")
		if !strings.HasPrefix(seg, ":") {
			pattern.WriteString(regexp.QuoteMeta(seg))
			continue
		}
		m := paramPattern.FindStringSubmatch(seg)
		if m == nil {
			return nil, nil, fmt.Errorf("invalid parameter segment %q in template %q", seg, template)
		}
		kind, err := parseKind(m[2])
		if err != nil {
			return nil, nil, fmt.Errorf("template %q: %w", template, err)
		}
		name := m[1]
		for _, p := range params {
			if p.Name == name {
				return nil, nil, fmt.Errorf("template %q: duplicate parameter %q", template, name)
			}
		}
		params = append(params, Param{Name: name, Kind: kind})
		fmt.Fprintf(&pattern, "(?P<%s>[^/]+)", name)
	}
	pattern.WriteString("$")
	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %q: %w", template, err)
	}
	return re, params, nil
}

// Table is an append-only ordered route table. Registration happens before
// the engine starts serving; Freeze marks that point and later registrations
// fail.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
	frozen bool
}

// NewTable returns an empty route table.
func NewTable() *Table {
	return &Table{}
}

// Options carries the per-route flags. The zero value registers an
// authenticated, uncached route with no per-route rate limit.
type Options struct {
	// Public skips the authentication stage for this route.
	Public bool
	// CacheEnabled marks the route's responses as cacheable for handlers
	// that consult it.
	CacheEnabled bool
	// RateLimit overrides the global per-client ceiling when > 0.
	RateLimit int
}

// Handle compiles the template and appends the route. Duplicate
// registrations are permitted; the earlier one wins at match time.
func (t *Table) Handle(method, template string, h http.Handler, opts Options) error {
	if h == nil {
		return fmt.Errorf("route %s %s: nil handler", method, template)
	}
	pattern, params, err := Compile(template)
	if err != nil {
		return err
	}
	route := &Route{
		Method:       strings.ToUpper(method),
		Template:     template,
		Pattern:      pattern,
		Params:       params,
		Handler:      h,
		RequiresAuth: !opts.Public,
		CacheEnabled: opts.CacheEnabled,
		RateLimit:    opts.RateLimit,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return fmt.Errorf("route %s %s: %w", method, template, ErrFrozen)
	}
	t.routes = append(t.routes, route)
	return nil
}

// Freeze forbids further registration. Called by the engine when it starts
// serving so the table is read-only under concurrent matching.
func (t *Table) Freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// Len reports the number of registered routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Match is a successful lookup: the route plus its extracted raw parameters.
type Match struct {
	Route  *Route
	Params Params
}

// Find scans the table in registration order and returns the first route
// whose pattern matches the path and whose method equals the request method
// after uppercasing. A path match with the wrong method keeps scanning, so
// an unmatched method yields a plain not-found.
func (t *Table) Find(method, path string) (*Match, bool) {
	method = strings.ToUpper(method)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, route := range t.routes {
		if route.Method != method {
			continue
		}
		m := route.Pattern.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		params := make(Params, len(route.Params))
		for i, name := range route.Pattern.SubexpNames() {
			if name != "" {
				params[name] = m[i]
			}
		}
		return &Match{Route: route, Params: params}, true
	}
	return nil, false
}

// ValidateParams checks every extracted value against its declared kind.
// The first failing parameter is reported; the caller turns this into a 400
// before the handler runs.
func (m *Match) ValidateParams() error {
	for _, p := range m.Route.Params {
		if err := p.Kind.validate(m.Params[p.Name]); err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
	}
	return nil
}
