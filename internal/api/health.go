package api

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gantry-io/gantry/internal/dbpool"
	"github.com/gantry-io/gantry/internal/router"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags at build time:
//
//	go build -ldflags "-X api.Version=1.2.0 -X api.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // set when status is "error"
}

// ReadinessResponse is the JSON shape returned by GET /api/v1/health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HealthController serves the built-in liveness and readiness routes. Both
// are registered without auth so probes need no credentials.
type HealthController struct {
	Pools *dbpool.Manager

	// Runtime optionally reports live server counters for the liveness
	// body. Set by the composition root from the running lifecycle.
	Runtime func() map[string]any
}

// Register adds the controller's routes to the table.
func (hc *HealthController) Register(table *router.Table) error {
	if err := table.Handle(http.MethodGet, "health", http.HandlerFunc(hc.handleLive), router.Options{Public: true}); err != nil {
		return err
	}
	return table.Handle(http.MethodGet, "health/ready", http.HandlerFunc(hc.handleReady), router.Options{Public: true})
}

// handleLive confirms the process is alive. Always 200.
func (hc *HealthController) handleLive(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"go_version": runtime.Version(),
	}
	if hc.Runtime != nil {
		for k, v := range hc.Runtime() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleReady pings every configured database pool concurrently, each under
// its own timeout. 200 when all pass, 503 otherwise.
func (hc *HealthController) handleReady(w http.ResponseWriter, r *http.Request) {
	var names []string
	if hc.Pools != nil {
		names = hc.Pools.Names()
	}
	if len(names) == 0 {
		// No dependencies configured; still ready.
		writeJSON(w, http.StatusOK, ReadinessResponse{
			Status: "ready",
			Checks: map[string]CheckResult{},
		})
		return
	}

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		pool, ok := hc.Pools.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(idx int, p *dbpool.Pool) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()

			if err := p.Ping(ctx); err != nil {
				results[idx] = CheckResult{Status: "error", Error: err.Error()}
			} else {
				results[idx] = CheckResult{Status: "ok"}
			}
		}(i, pool)
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(names))
	allOK := true
	for i, name := range names {
		checks[name] = results[i]
		if results[i].Status != "ok" {
			allOK = false
		}
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "not_ready"
	writeJSON(w, http.StatusServiceUnavailable, resp)
}
