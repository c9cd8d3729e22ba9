// Package dbpool manages named pools of database connections.
//
// Each Pool owns a bounded set of physical connections created through its
// Driver. Acquire hands out an idle connection, dials a new one while below
// max size, or blocks on a condition variable until a connection is
// released, up to the acquire timeout. Connections are probed for liveness
// at acquire time, at most once per probe interval per connection, and a
// failed probe or dial is retried once against a fresh connection before the
// error surfaces. A maintenance goroutine evicts idle connections past the
// idle timeout down to min size and redials up to min size while the
// database is reachable.
//
// Locking discipline: idle, inUse, dialing, closed, and every connection's
// state field are guarded by mu. cond is bound to mu; Release and discard
// signal it, Shutdown broadcasts. lastUsed and lastProbe are owned by the
// holding goroutine while a connection is InUse and by the pool while Idle.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gantry-io/gantry/internal/config"
)

var (
	// ErrAcquireTimeout is returned when no connection became available
	// within the acquire timeout.
	ErrAcquireTimeout = errors.New("dbpool: acquire timed out")
	// ErrPoolClosed is returned by Acquire after Shutdown has begun.
	ErrPoolClosed = errors.New("dbpool: pool is closed")
	// ErrPool wraps driver failures that survived the single retry.
	ErrPool = errors.New("dbpool: driver failure")
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateInUse
	StateBroken
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateBroken:
		return "broken"
	default:
		return "closed"
	}
}

const (
	defaultAcquireTimeout      = 10 * time.Second
	defaultProbeInterval       = 30 * time.Second
	defaultMaintenanceInterval = 15 * time.Second
	probeTimeout               = 2 * time.Second
)

// PooledConn is one connection checked out of or resting in a Pool.
type PooledConn struct {
	conn      Conn
	pool      *Pool
	state     ConnState
	broken    bool
	lastUsed  time.Time
	lastProbe time.Time
}

// Conn exposes the driver connection for the duration of the checkout.
func (pc *PooledConn) Conn() Conn { return pc.conn }

// MarkBroken flags the connection so Release destroys it instead of
// returning it to the idle set. Call it after any driver error the handler
// cannot attribute to its own input.
func (pc *PooledConn) MarkBroken() {
	pc.pool.mu.Lock()
	pc.broken = true
	pc.pool.mu.Unlock()
}

// Release returns the connection to its pool.
func (pc *PooledConn) Release() { pc.pool.Release(pc) }

// State reports the connection's lifecycle state.
func (pc *PooledConn) State() ConnState {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.state
}

// Pool is a bounded set of connections for one configured database.
type Pool struct {
	name           string
	driver         Driver
	minSize        int
	maxSize        int
	idleTimeout    time.Duration
	acquireTimeout time.Duration
	probeInterval  time.Duration
	maintenance    time.Duration
	healthQuery    string

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*PooledConn
	inUse   map[*PooledConn]struct{}
	dialing int
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool builds a pool from its descriptor and driver. The pool is inert
// until Start launches its maintenance goroutine; Acquire works either way.
func NewPool(cfg config.Pool, driver Driver) *Pool {
	p := &Pool{
		name:           cfg.Name,
		driver:         driver,
		minSize:        cfg.MinSize,
		maxSize:        cfg.MaxSize,
		idleTimeout:    time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		acquireTimeout: time.Duration(cfg.AcquireTimeoutSeconds) * time.Second,
		probeInterval:  defaultProbeInterval,
		maintenance:    defaultMaintenanceInterval,
		healthQuery:    cfg.HealthCheckQuery,
		inUse:          make(map[*PooledConn]struct{}),
	}
	if p.maxSize < 1 {
		p.maxSize = 1
	}
	if p.minSize > p.maxSize {
		p.minSize = p.maxSize
	}
	if p.acquireTimeout <= 0 {
		p.acquireTimeout = defaultAcquireTimeout
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Name returns the pool's configured name.
func (p *Pool) Name() string { return p.name }

// Start launches the maintenance goroutine: idle eviction past the idle
// timeout and redial up to min size.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		// Warm up to min size before the first tick.
		p.ensureMin(ctx)
		ticker := time.NewTicker(p.maintenance)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.evictIdle()
				p.ensureMin(ctx)
			}
		}
	}()
}

// Acquire blocks until a connection is available, the acquire timeout
// elapses, the context is done, or the pool closes. The returned connection
// is InUse and has passed a liveness probe if one was due.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadline := time.Now().Add(p.acquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// cond.Wait cannot time out, so wake all waiters when the deadline
	// passes or the context is cancelled and let them re-check.
	timer := time.AfterFunc(time.Until(deadline), p.broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, p.broadcast)
	defer stop()

	retried := false
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if !time.Now().Before(deadline) {
			p.mu.Unlock()
			return nil, ErrAcquireTimeout
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire from pool %q: %w", p.name, err)
		}

		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			pc.state = StateInUse
			p.inUse[pc] = struct{}{}
			needsProbe := p.probeInterval > 0 && time.Since(pc.lastProbe) > p.probeInterval
			p.mu.Unlock()

			if needsProbe {
				if err := p.probe(ctx, pc); err != nil {
					slog.Warn("pool connection failed liveness probe",
						"pool", p.name, "error", err)
					p.discard(pc)
					if retried {
						return nil, fmt.Errorf("%w: pool %q: %v", ErrPool, p.name, err)
					}
					retried = true
					p.mu.Lock()
					continue
				}
			}
			pc.lastUsed = time.Now()
			return pc, nil
		}

		if len(p.idle)+len(p.inUse)+p.dialing < p.maxSize {
			p.dialing++
			p.mu.Unlock()

			pc, err := p.dial(ctx, deadline)

			p.mu.Lock()
			p.dialing--
			if err != nil {
				p.cond.Signal()
				if retried {
					p.mu.Unlock()
					return nil, fmt.Errorf("%w: pool %q: %v", ErrPool, p.name, err)
				}
				retried = true
				continue
			}
			if p.closed {
				p.mu.Unlock()
				pc.conn.Close(context.Background())
				return nil, ErrPoolClosed
			}
			pc.state = StateInUse
			p.inUse[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		p.cond.Wait()
	}
}

// Release returns a connection to the pool. Broken connections and releases
// into a closed pool destroy the connection. Releasing a connection the pool
// does not consider checked out is a no-op.
func (p *Pool) Release(pc *PooledConn) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.inUse[pc]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, pc)

	if pc.broken {
		pc.state = StateBroken
		p.cond.Signal()
		p.mu.Unlock()
		p.closeConn(pc)
		return
	}
	if p.closed {
		pc.state = StateClosed
		p.cond.Signal()
		p.mu.Unlock()
		p.closeConn(pc)
		return
	}

	pc.state = StateIdle
	pc.lastUsed = time.Now()
	p.idle = append(p.idle, pc)
	p.cond.Signal()
	p.mu.Unlock()
}

// Ping acquires a connection, forces a liveness probe, and releases it.
// Used by readiness checks.
func (p *Pool) Ping(ctx context.Context) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.Release()
	if err := p.probe(ctx, pc); err != nil {
		pc.MarkBroken()
		return err
	}
	return nil
}

// Shutdown closes the pool: new acquires fail, idle connections close
// immediately, and in-flight connections get until the context deadline to
// be released before they are closed forcibly. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.stopMaintenance()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.stopMaintenance()

	for _, pc := range idle {
		p.mu.Lock()
		pc.state = StateClosed
		p.mu.Unlock()
		p.closeConn(pc)
	}

	var wake *time.Timer
	if d, ok := ctx.Deadline(); ok {
		wake = time.AfterFunc(time.Until(d), p.broadcast)
		defer wake.Stop()
	}

	p.mu.Lock()
	for len(p.inUse) > 0 && ctx.Err() == nil {
		p.cond.Wait()
	}
	forced := make([]*PooledConn, 0, len(p.inUse))
	for pc := range p.inUse {
		delete(p.inUse, pc)
		pc.state = StateClosed
		forced = append(forced, pc)
	}
	p.mu.Unlock()

	for _, pc := range forced {
		p.closeConn(pc)
	}
	if len(forced) > 0 {
		slog.Warn("pool shutdown forced connections closed",
			"pool", p.name, "forced", len(forced))
	}
	slog.Info("pool shut down", "pool", p.name)
	return nil
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Name    string
	Idle    int
	InUse   int
	Dialing int
	Closed  bool
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:    p.name,
		Idle:    len(p.idle),
		InUse:   len(p.inUse),
		Dialing: p.dialing,
		Closed:  p.closed,
	}
}

func (p *Pool) broadcast() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// dial creates a fresh connection bounded by the acquire deadline.
func (p *Pool) dial(ctx context.Context, deadline time.Time) (*PooledConn, error) {
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := p.driver.Connect(dialCtx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &PooledConn{conn: conn, pool: p, lastUsed: now, lastProbe: now}, nil
}

// probe runs the configured health query, or a driver ping when none is
// configured, under a short deadline.
func (p *Pool) probe(ctx context.Context, pc *PooledConn) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var err error
	if p.healthQuery != "" {
		err = pc.conn.Exec(probeCtx, p.healthQuery)
	} else {
		err = pc.conn.Ping(probeCtx)
	}
	if err != nil {
		return err
	}
	pc.lastProbe = time.Now()
	return nil
}

// discard removes a checked-out connection from the pool and closes it.
func (p *Pool) discard(pc *PooledConn) {
	p.mu.Lock()
	delete(p.inUse, pc)
	pc.state = StateClosed
	p.cond.Signal()
	p.mu.Unlock()
	p.closeConn(pc)
}

func (p *Pool) closeConn(pc *PooledConn) {
	closeCtx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := pc.conn.Close(closeCtx); err != nil {
		slog.Debug("pool connection close failed", "pool", p.name, "error", err)
	}
}

// evictIdle closes idle connections whose last use exceeds the idle timeout,
// never dropping below min size.
func (p *Pool) evictIdle() {
	if p.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	keep := p.idle[:0]
	var evict []*PooledConn
	remaining := len(p.idle) + len(p.inUse) + p.dialing
	for _, pc := range p.idle {
		if pc.lastUsed.Before(cutoff) && remaining > p.minSize {
			pc.state = StateClosed
			evict = append(evict, pc)
			remaining--
			continue
		}
		keep = append(keep, pc)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, pc := range evict {
		p.closeConn(pc)
	}
	if len(evict) > 0 {
		slog.Debug("evicted idle pool connections", "pool", p.name, "count", len(evict))
	}
}

// ensureMin dials connections until the pool holds min size again. Dial
// failures are logged and retried on the next tick.
func (p *Pool) ensureMin(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle)+len(p.inUse)+p.dialing >= p.minSize {
			p.mu.Unlock()
			return
		}
		p.dialing++
		p.mu.Unlock()

		pc, err := p.dial(ctx, time.Now().Add(p.acquireTimeout))

		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.mu.Unlock()
			slog.Warn("pool warm-up dial failed", "pool", p.name, "error", err)
			return
		}
		if p.closed {
			p.mu.Unlock()
			p.closeConn(pc)
			return
		}
		pc.state = StateIdle
		p.idle = append(p.idle, pc)
		p.cond.Signal()
		p.mu.Unlock()
	}
}

func (p *Pool) stopMaintenance() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}
