package cryptoclient

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// poolStats is a point-in-time snapshot of the connection pool's utilization,
// recorded after the pool slot is acquired and again after every request
// per spec.md §4.1.
type poolStats struct {
	Available int
	Leased    int
	Pending   int
}

// pool wraps an *http.Transport sized per the connection-pool contract in
// spec.md §4.1: total/per-host caps, an acquire-wait timeout enforced via a
// semaphore, a hard TTL per connection, and a background eviction loop.
// Idle connections are not validated before reuse: idleValidate is stored
// but not consulted, and net/http reuses any idle connection it still
// holds. net/http's own transport already limits
// concurrent connections per host; the semaphore here additionally enforces
// the acquire-timeout behavior (fail fast rather than deadlock) that the
// stdlib transport does not provide on its own.
type pool struct {
	transport *http.Transport
	client    *http.Client

	maxTotal       int
	acquireTimeout time.Duration
	connTTL        time.Duration
	idleValidate   time.Duration

	sem     chan struct{}
	leased  int64
	pending int64

	createdAt sync.Map // net.Conn -> time.Time, used by DialContext to stamp connection age
	lastUsed  sync.Map // net.Conn -> time.Time, stamped after each use; not read by eviction

	closeOnce sync.Once
	stopEvict chan struct{}
}

// newPool builds a pool with the given caps and starts the background
// eviction loop (spec.md §4.1: "a background task every 10s evicts idle and
// expired connections; evict expired on each client build").
func newPool(maxTotal, maxPerHost int, acquireTimeout, connTTL, idleValidate, evictInterval time.Duration) *pool {
	p := &pool{
		maxTotal:       maxTotal,
		acquireTimeout: acquireTimeout,
		connTTL:        connTTL,
		idleValidate:   idleValidate,
		sem:            make(chan struct{}, maxTotal),
		stopEvict:      make(chan struct{}),
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second}
	p.transport = &http.Transport{
		MaxIdleConns:        maxTotal,
		MaxIdleConnsPerHost: maxPerHost,
		MaxConnsPerHost:     maxPerHost,
		IdleConnTimeout:     connTTL,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			p.createdAt.Store(conn, time.Now())
			p.lastUsed.Store(conn, time.Now())
			return &trackedConn{Conn: conn, p: p}, nil
		},
	}
	p.client = &http.Client{Transport: p.transport, Timeout: 0}

	go p.evictLoop(evictInterval)
	return p
}

// trackedConn stamps lastUsed on every Read/Write and drops its createdAt
// and lastUsed entries on Close. The eviction loop reads only createdAt.
type trackedConn struct {
	net.Conn
	p *pool
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.p.lastUsed.Store(c.Conn, time.Now())
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.p.lastUsed.Store(c.Conn, time.Now())
	return n, err
}

func (c *trackedConn) Close() error {
	c.p.createdAt.Delete(c.Conn)
	c.p.lastUsed.Delete(c.Conn)
	return c.Conn.Close()
}

// evictLoop runs evictExpired every interval: tracked connections past
// their TTL are closed, then every idle connection the transport holds is
// closed, however long it has been idle.
func (p *pool) evictLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictExpired()
		case <-p.stopEvict:
			return
		}
	}
}

// evictExpired closes any tracked connection whose TTL has elapsed, then
// relies on IdleConnTimeout / CloseIdleConnections to reclaim idle ones at
// the transport level.
func (p *pool) evictExpired() {
	now := time.Now()
	p.createdAt.Range(func(key, value any) bool {
		conn := key.(net.Conn)
		createdAt := value.(time.Time)
		if now.Sub(createdAt) >= p.connTTL {
			conn.Close()
		}
		return true
	})
	p.transport.CloseIdleConnections()
}

// acquire blocks until a pool slot is available or acquireTimeout elapses,
// incrementing pending while waiting (spec.md §4.1's acquire-wait timeout).
func (p *pool) acquire(timeout time.Duration) bool {
	atomic.AddInt64(&p.pending, 1)
	defer atomic.AddInt64(&p.pending, -1)

	if timeout <= 0 {
		timeout = p.acquireTimeout
	}
	select {
	case p.sem <- struct{}{}:
		atomic.AddInt64(&p.leased, 1)
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *pool) release() {
	atomic.AddInt64(&p.leased, -1)
	<-p.sem
}

func (p *pool) stats() poolStats {
	leased := int(atomic.LoadInt64(&p.leased))
	return poolStats{
		Available: p.maxTotal - leased,
		Leased:    leased,
		Pending:   int(atomic.LoadInt64(&p.pending)),
	}
}

func (p *pool) usageRatio() float64 {
	if p.maxTotal == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&p.leased)) / float64(p.maxTotal)
}

func (p *pool) close() {
	p.closeOnce.Do(func() {
		close(p.stopEvict)
		p.transport.CloseIdleConnections()
	})
}
