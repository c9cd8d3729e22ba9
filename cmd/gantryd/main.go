// gantryd is the gantry API server.
// It loads config.json from its base directory, opens the configured
// database pools, registers the built-in routes, and serves the request
// pipeline until a termination signal arrives. SIGHUP reloads the
// configuration in place; the engine drains and restarts on the new
// settings while unchanged database pools keep running.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gantry-io/gantry/internal/api"
	"github.com/gantry-io/gantry/internal/config"
	"github.com/gantry-io/gantry/internal/dbpool"
	"github.com/gantry-io/gantry/internal/engine"
	"github.com/gantry-io/gantry/internal/logging"
	"github.com/gantry-io/gantry/internal/session"
	"github.com/gantry-io/gantry/internal/supervise"
)

// Exit codes. Configuration problems and startup failures are told apart so
// a service manager can decide whether restarting is worth it.
const (
	exitRuntime = 1
	exitConfig  = 2
	exitStartup = 3
)

// respCacheSweepInterval drives the response cache janitor. Expired entries
// are also dropped lazily on read, so the exact cadence is not critical.
const respCacheSweepInterval = time.Minute

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: gantryd healthcheck [baseDir]
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(healthcheck(os.Args[2:]))
	}
	os.Exit(run(os.Args[1:]))
}

// resolveBaseDir picks the directory config.json lives in: the first
// positional argument when given, the executable's directory otherwise.
func resolveBaseDir(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return filepath.Abs(args[0])
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return filepath.Dir(exe), nil
}

func run(args []string) int {
	// Bootstrap logger: console only, INFO. Replaced once the configuration
	// says where logs should really go.
	if _, err := logging.Setup(logging.Options{Level: logging.LevelInfo, Console: true}); err != nil {
		fmt.Fprintln(os.Stderr, "logging bootstrap failed:", err)
		return exitStartup
	}

	baseDir, err := resolveBaseDir(args)
	if err != nil {
		slog.Error("cannot determine base directory", "error", err)
		return exitConfig
	}

	store := config.NewStore(baseDir)
	if err := store.Load(); err != nil {
		slog.Error("failed to load configuration", "path", store.FilePath(), "error", err)
		return exitConfig
	}
	cfg := store.Snapshot()

	logHandler, err := logging.Setup(logging.Options{
		Level:    logging.ParseLevel(cfg.Application.LogLevel),
		Console:  cfg.Application.LogConsole,
		FilePath: store.ResolvePath(cfg.Application.LogFile),
	})
	if err != nil {
		slog.Warn("log file unavailable, continuing on console only", "error", err)
	}

	slog.Info("starting",
		"app", cfg.Application.Name,
		"base_dir", baseDir,
		"production", config.IsProduction(),
		"db_pools", len(cfg.DatabasePools))

	supervisor := supervise.New()
	// Registered first so it runs last: everything later may still log
	// while shutting down.
	supervisor.OnShutdown("log-sink", func() { _ = logHandler.Close() })

	// bail unwinds whatever has been registered so far and surfaces code.
	bail := func(code int) int {
		supervisor.RequestShutdown()
		supervisor.Wait()
		return code
	}

	ctx := context.Background()
	grace := func(c *config.Config) time.Duration {
		return time.Duration(c.Server.ShutdownGracePeriodSeconds) * time.Second
	}

	pools := dbpool.NewManager()
	if err := pools.Configure(ctx, cfg.DatabasePools); err != nil {
		slog.Error("database pool configuration failed", "error", err)
		return bail(exitConfig)
	}
	supervisor.OnShutdown("database-pools", func() {
		if err := pools.ShutdownAll(context.Background(), grace(store.Snapshot())); err != nil {
			slog.Warn("database pools closed with leases still out", "error", err)
		}
	})

	sessions := session.NewStore(time.Duration(cfg.Security.Session.TimeoutMinutes) * time.Minute)
	eng := engine.New(cfg, baseDir, sessions)

	health := &api.HealthController{Pools: pools, Runtime: eng.Runtime}
	if err := health.Register(eng.Routes()); err != nil {
		slog.Error("route registration failed", "error", err)
		return bail(exitStartup)
	}

	tasks := supervise.NewRunner()
	if sched := cfg.Security.Session.CleanupSchedule; sched != "" {
		err := tasks.Add(supervise.Task{
			Name:     "session-sweep",
			Schedule: sched,
			Run: func(context.Context) {
				if n := sessions.Sweep(); n > 0 {
					slog.Debug("expired sessions removed", "count", n)
				}
			},
		})
		if err != nil {
			slog.Error("invalid session cleanup schedule", "error", err)
			return bail(exitConfig)
		}
	}
	rl := cfg.Security.SecurityMiddleware.RateLimit
	if rl.Enabled && rl.PurgeSchedule != "" {
		err := tasks.Add(supervise.Task{
			Name:     "ratelimit-purge",
			Schedule: rl.PurgeSchedule,
			Run: func(context.Context) {
				// Read through the engine: a reload swaps the limiter.
				if limiter := eng.Limiter(); limiter != nil {
					if n := limiter.Purge(); n > 0 {
						slog.Debug("idle rate-limit buckets purged", "count", n)
					}
				}
			},
		})
		if err != nil {
			slog.Error("invalid rate-limit purge schedule", "error", err)
			return bail(exitConfig)
		}
	}
	// Response cache janitor. Always registered; the cache exists from the
	// first Start onward.
	if err := tasks.Add(supervise.Task{
		Name:     "response-cache-sweep",
		Interval: respCacheSweepInterval,
		Run: func(context.Context) {
			if rc := eng.ResponseCache(); rc != nil {
				rc.SweepExpired()
			}
		},
	}); err != nil {
		slog.Error("task registration failed", "error", err)
		return bail(exitStartup)
	}
	tasks.Start(ctx)
	supervisor.OnShutdown("background-tasks", tasks.Stop)

	var fatal atomic.Bool
	supervisor.OnReload(func() {
		if err := store.Reload(); err != nil {
			slog.Error("reload failed, keeping the running configuration", "error", err)
			return
		}
		next := store.Snapshot()
		logHandler.SetLevel(logging.ParseLevel(next.Application.LogLevel))
		if err := pools.Reconfigure(ctx, next.DatabasePools, grace(next)); err != nil {
			slog.Error("database pool reconfiguration failed", "error", err)
		}
		if err := eng.Reload(next); err != nil {
			slog.Error("engine failed to restart on the new configuration", "error", err)
			fatal.Store(true)
			supervisor.RequestShutdown()
		}
	})

	stopSignals := supervisor.NotifySignals()
	defer stopSignals()

	if err := eng.Start(); err != nil {
		slog.Error("server failed to start", "error", err)
		return bail(exitStartup)
	}
	supervisor.OnShutdown("http-engine", func() {
		if err := eng.Stop(); err != nil {
			slog.Warn("engine stop reported an error", "error", err)
		}
	})

	go func() {
		err := <-eng.Fatal()
		slog.Error("serve loop died", "error", err)
		fatal.Store(true)
		supervisor.RequestShutdown()
	}()

	supervisor.Wait()
	slog.Info("shutdown complete", "app", cfg.Application.Name)
	if fatal.Load() {
		return exitRuntime
	}
	return 0
}

// healthcheck probes the running server's liveness route and exits 0 when it
// answers 200. It reads the same config.json to find the listen address.
func healthcheck(args []string) int {
	baseDir, err := resolveBaseDir(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	store := config.NewStore(baseDir)
	if err := store.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	cfg := store.Snapshot()

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	client := &http.Client{Timeout: 3 * time.Second}
	if cfg.Server.SSL.Enabled {
		scheme = "https"
		// The probe talks to this process's own listener; the certificate
		// is not re-verified.
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	url := scheme + "://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + "/api/v1/health"
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "health endpoint returned", resp.Status)
		return exitRuntime
	}
	return 0
}
