package dbpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gantry-io/gantry/internal/config"
)

// fakeConn is an in-memory stand-in for a driver connection.
type fakeConn struct {
	mu      sync.Mutex
	id      int
	closed  bool
	pingErr error
	pings   int
	execs   []string
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) Exec(_ context.Context, query string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, query)
	return c.pingErr
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) failPings(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

// fakeDriver dials fakeConns and can be told to fail the next N dials.
type fakeDriver struct {
	mu        sync.Mutex
	dialed    int
	failNext  int
	dialDelay time.Duration
	conns     []*fakeConn
}

var errDialRefused = errors.New("dial refused")

func (d *fakeDriver) Kind() string { return "fake" }

func (d *fakeDriver) Connect(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	if d.failNext > 0 {
		d.failNext--
		d.mu.Unlock()
		return nil, errDialRefused
	}
	d.dialed++
	id := d.dialed
	delay := d.dialDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	conn := &fakeConn{id: id}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDriver) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialed
}

func (d *fakeDriver) refuseDials(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

func newTestPool(cfg config.Pool) (*Pool, *fakeDriver) {
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	driver := &fakeDriver{}
	return NewPool(cfg, driver), driver
}
