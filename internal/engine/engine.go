// Package engine owns the HTTP listener and the server lifecycle. It binds
// the configured address, enforces the connection cap and the worker model,
// serves the request pipeline, and drains gracefully on stop and reload.
// The engine knows no routes itself; controllers register against its table
// and the pipeline's dispatch stage invokes them.
package engine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantry-io/gantry/internal/api"
	"github.com/gantry-io/gantry/internal/config"
	"github.com/gantry-io/gantry/internal/router"
	"github.com/gantry-io/gantry/internal/session"
)

const (
	readTimeout       = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 120 * time.Second

	// minKeyFileSize rejects truncated or placeholder private key files in
	// production. A real PEM-encoded EC key is well above this.
	minKeyFileSize = 128
)

// Engine is the HTTP server wrapped around the request pipeline.
type Engine struct {
	mu        sync.Mutex
	cfg       *config.Config
	basePath  string
	routes    *router.Table
	sessions  *session.Store
	limiter   *api.RateLimiter
	respCache *api.ResponseCache
	listener  net.Listener
	server    *http.Server
	pidPath   string
	running   bool

	state   atomic.Int32
	active  atomic.Int64
	total   atomic.Int64
	failed  atomic.Int64
	started atomic.Pointer[time.Time]

	fatal chan error
}

// New constructs an engine from an owned configuration snapshot. The route
// table starts empty; controllers must register before Start.
func New(cfg *config.Config, basePath string, sessions *session.Store) *Engine {
	e := &Engine{
		cfg:      cfg,
		basePath: basePath,
		sessions: sessions,
		routes:   router.NewTable(),
		fatal:    make(chan error, 1),
	}
	e.state.Store(int32(StateInitializing))
	return e
}

// Routes returns the table controllers register their endpoints against.
func (e *Engine) Routes() *router.Table { return e.routes }

// State reports the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Addr returns the bound listen address, empty while not running. With port
// 0 in the configuration this is the only way to learn the real port.
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Limiter returns the rate limiter of the current run, nil when rate
// limiting is disabled. Background purge tasks read it through this accessor
// because a reload swaps the limiter.
func (e *Engine) Limiter() *api.RateLimiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limiter
}

// ResponseCache returns the response cache of the current run, nil before
// the first Start. Read through the accessor for the same reason as Limiter.
func (e *Engine) ResponseCache() *api.ResponseCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.respCache
}

// Fatal delivers the error when the serve loop fails after a successful
// Start, such as the listener dying underneath it. Graceful stops never
// send.
func (e *Engine) Fatal() <-chan error { return e.fatal }

// Runtime reports live server counters for the health endpoint. Reads are
// atomic, so it is safe to call from request handlers at any time.
func (e *Engine) Runtime() map[string]any {
	out := map[string]any{
		"state":              e.State().String(),
		"active_connections": e.active.Load(),
		"total_requests":     e.total.Load(),
		"failed_requests":    e.failed.Load(),
	}
	if t := e.started.Load(); t != nil {
		out["startup_time_utc"] = t.UTC().Format(time.RFC3339)
	}
	return out
}

// statusRecorder observes the response status so the engine can count failed
// requests without reaching into the pipeline.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// rootHandler wraps the pipeline with the engine's own bookkeeping: the
// worker gate, request counters, a catch-all for anything that escapes the
// pipeline, and a 404 fallback when nothing wrote a response.
func (e *Engine) rootHandler(pipeline http.Handler, workers chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if workers != nil {
			select {
			case workers <- struct{}{}:
				defer func() { <-workers }()
			case <-r.Context().Done():
				return
			}
		}

		e.total.Add(1)
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			if rc := recover(); rc != nil {
				e.failed.Add(1)
				if err, ok := rc.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rc)
				}
				slog.Error("request escaped the pipeline",
					"panic", rc, "method", r.Method, "path", r.URL.Path)
				if !rec.wrote {
					api.WriteError(rec, http.StatusInternalServerError, api.MsgInternalError)
				}
				return
			}
			if !rec.wrote {
				api.WriteError(rec, http.StatusNotFound, api.MsgEndpointNotFound)
			}
			if rec.status >= 400 {
				e.failed.Add(1)
			}
		}()

		pipeline.ServeHTTP(rec, r)
	})
}

// resolvePath makes a relative configuration path absolute against the base
// directory.
func (e *Engine) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.basePath, p)
}

// tlsConfig loads and validates the TLS material. Certificate and key files
// resolve relative to the base path and must both exist and be non-empty.
// Production mode additionally requires TLS to be enabled and the key file
// to hold real key material.
func (e *Engine) tlsConfig(ssl config.SSL, production bool) (*tls.Config, error) {
	if !ssl.Enabled {
		if production {
			return nil, errors.New("engine: production mode requires ssl.enabled")
		}
		return nil, nil
	}

	certFile := e.resolvePath(ssl.CertificateFile)
	keyFile := e.resolvePath(ssl.PrivateKeyFile)
	for _, f := range []string{certFile, keyFile} {
		info, err := os.Stat(f)
		if err != nil {
			return nil, fmt.Errorf("engine: TLS file: %w", err)
		}
		if info.Size() == 0 {
			return nil, fmt.Errorf("engine: TLS file %s is empty", f)
		}
		if production && f == keyFile && info.Size() < minKeyFileSize {
			return nil, fmt.Errorf("engine: private key file %s is too small to hold a key", f)
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("engine: load key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// writePIDFile records the process id under the base path. No configured
// file name disables the PID file.
func (e *Engine) writePIDFile() (string, error) {
	name := e.cfg.Server.PIDFile
	if name == "" {
		return "", nil
	}
	path := e.resolvePath(name)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("engine: write pid file: %w", err)
	}
	return path, nil
}

func (e *Engine) removePIDFile() {
	if e.pidPath == "" {
		return
	}
	if err := os.Remove(e.pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove pid file", "path", e.pidPath, "error", err)
	}
	e.pidPath = ""
}
