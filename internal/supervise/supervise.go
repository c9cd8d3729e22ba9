// Package supervise coordinates process shutdown and background upkeep.
// A Coordinator collects named shutdown handlers, wires POSIX termination
// signals, and releases the main goroutine once shutdown is requested.
// Handlers run in reverse registration order so resources unwind in the
// opposite order they were built.
package supervise

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Coordinator sequences graceful process shutdown.
type Coordinator struct {
	mu       sync.Mutex
	handlers []namedHandler
	reload   func()

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

type namedHandler struct {
	name string
	fn   func()
}

// New creates a Coordinator with no handlers registered.
func New() *Coordinator {
	return &Coordinator{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// OnShutdown registers a named handler to run during shutdown. Handlers run
// in LIFO order. If shutdown has already begun the handler runs immediately
// on the caller's goroutine.
func (c *Coordinator) OnShutdown(name string, fn func()) {
	c.mu.Lock()
	select {
	case <-c.quit:
		c.mu.Unlock()
		slog.Warn("shutdown handler registered after shutdown began, running now", "handler", name)
		runHandler(namedHandler{name: name, fn: fn})
		return
	default:
	}
	c.handlers = append(c.handlers, namedHandler{name: name, fn: fn})
	c.mu.Unlock()
}

// OnReload sets the function invoked when SIGHUP arrives. Only one reload
// function is kept; later calls replace it.
func (c *Coordinator) OnReload(fn func()) {
	c.mu.Lock()
	c.reload = fn
	c.mu.Unlock()
}

// RequestShutdown releases Wait. Safe to call from any goroutine and
// idempotent; only the first call has any effect.
func (c *Coordinator) RequestShutdown() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// ShutdownRequested reports whether shutdown has been requested.
func (c *Coordinator) ShutdownRequested() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// Quit returns a channel closed once shutdown is requested. Long-running
// goroutines select on it alongside their own work.
func (c *Coordinator) Quit() <-chan struct{} {
	return c.quit
}

// Done returns a channel closed after every shutdown handler has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// NotifySignals installs the process signal handlers. SIGINT, SIGTERM, and
// SIGQUIT request shutdown; SIGHUP invokes the reload function. The returned
// stop function uninstalls the handlers.
func (c *Coordinator) NotifySignals() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, reloading")
				c.mu.Lock()
				reload := c.reload
				c.mu.Unlock()
				if reload != nil {
					runNamed("reload", reload)
				}
				continue
			}
			slog.Info("received signal, shutting down", "signal", sig)
			c.RequestShutdown()
			return
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// Wait blocks until shutdown is requested, then runs the registered handlers
// in LIFO order. A panicking handler is logged and skipped; the remaining
// handlers still run. Wait returns after all handlers finish and may be
// called from multiple goroutines; the handlers run once.
func (c *Coordinator) Wait() {
	<-c.quit
	c.doneOnce.Do(func() {
		defer close(c.done)

		c.mu.Lock()
		handlers := make([]namedHandler, len(c.handlers))
		copy(handlers, c.handlers)
		c.mu.Unlock()

		for i := len(handlers) - 1; i >= 0; i-- {
			runHandler(handlers[i])
		}
	})
	<-c.done
}

func runHandler(h namedHandler) {
	runNamed(h.name, h.fn)
	slog.Debug("shutdown handler finished", "handler", h.name)
}

func runNamed(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked", "handler", name, "panic", r)
		}
	}()
	fn()
}
