package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/netutil"

	"github.com/gantry-io/gantry/internal/api"
	"github.com/gantry-io/gantry/internal/config"
)

// Start binds the listener and begins serving in a background goroutine.
// The route table freezes here, so all controllers must be registered first.
// Errors leave the engine in the Error state; a later Start begins a new run.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked()
}

func (e *Engine) startLocked() error {
	if e.running {
		return nil
	}
	e.setState(StateStarting)

	cfg := e.cfg
	production := config.IsProduction()

	tlsCfg, err := e.tlsConfig(cfg.Server.SSL, production)
	if err != nil {
		e.setState(StateError)
		return err
	}

	e.routes.Freeze()
	pipeline, limiter, respCache := api.NewPipeline(api.PipelineConfig{
		CORS:     cfg.Server.CORS,
		Security: cfg.Security,
		Routes:   e.routes,
		Sessions: e.sessions,
		TLS:      tlsCfg != nil,
	})
	e.limiter = limiter
	e.respCache = respCache

	var workers chan struct{}
	if n := cfg.Server.ThreadPoolSize; n > 0 {
		workers = make(chan struct{}, n)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		e.setState(StateError)
		return fmt.Errorf("engine: listen %s: %w", addr, err)
	}
	if max := cfg.Server.MaxConnections; max > 0 {
		ln = netutil.LimitListener(ln, max)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	if cfg.Server.Daemonize {
		// No fork on a multi-threaded runtime; the init system owns
		// daemonization. The PID file below is still written for it.
		slog.Info("daemonize requested, staying in the foreground for the service manager")
	}

	pidPath, err := e.writePIDFile()
	if err != nil {
		ln.Close()
		e.setState(StateError)
		return err
	}
	e.pidPath = pidPath

	srv := &http.Server{
		Handler:           e.rootHandler(pipeline, workers),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       time.Duration(cfg.Server.ConnectionTimeoutSeconds) * time.Second,
		ConnState: func(_ net.Conn, cs http.ConnState) {
			switch cs {
			case http.StateNew:
				e.active.Add(1)
			case http.StateClosed, http.StateHijacked:
				e.active.Add(-1)
			}
		},
	}
	srv.SetKeepAlivesEnabled(cfg.Server.KeepAliveEnabled)

	e.listener = ln
	e.server = srv
	e.running = true
	now := time.Now()
	e.started.Store(&now)

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.setState(StateError)
			slog.Error("serve loop failed", "error", err)
			select {
			case e.fatal <- err:
			default:
			}
		}
	}()

	e.setState(StateRunning)
	scheme := "http"
	if tlsCfg != nil {
		scheme = "https"
	}
	slog.Info("server started",
		"addr", ln.Addr().String(),
		"scheme", scheme,
		"routes", e.routes.Len(),
		"max_connections", cfg.Server.MaxConnections,
		"workers", cfg.Server.ThreadPoolSize)
	return nil
}

// Stop drains in-flight requests for up to the configured grace period, then
// forces remaining connections closed. The listener closes immediately, so
// no new connections are accepted during the drain. Idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if !e.running {
		return nil
	}
	e.setState(StateStopping)

	grace := time.Duration(e.cfg.Server.ShutdownGracePeriodSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := e.server.Shutdown(ctx); err != nil {
		slog.Warn("graceful drain expired, forcing connections closed", "error", err)
		e.server.Close()
	}

	e.removePIDFile()
	e.server = nil
	e.listener = nil
	e.running = false
	e.setState(StateStopped)
	slog.Info("server stopped")
	return nil
}

// Reload swaps in a new configuration snapshot. A running engine drains and
// restarts on the new settings; a stopped one only adopts the snapshot.
// In-flight requests always finish under the configuration they started
// with.
func (e *Engine) Reload(cfg *config.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wasRunning := e.running
	if wasRunning {
		if err := e.stopLocked(); err != nil {
			return err
		}
	}
	e.cfg = cfg
	if !wasRunning {
		return nil
	}
	return e.startLocked()
}
