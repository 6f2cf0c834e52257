package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/logger"
	"github.com/prismhq/prism/pkg/metrics"
	"github.com/prismhq/prism/pkg/source/core"
)

// idleConn is a pooled connection with its last-used timestamp for the
// idle sweeper.
type idleConn struct {
	conn     core.Conn
	lastUsed time.Time
}

// Pool bounds live connections for one (source, credential) scope. A token
// in sem represents permission to hold one live connection, whether checked
// out or idle; the sweeper returns tokens when it evicts idle conns.
type Pool struct {
	connector   core.Connector
	cred        core.Credential
	cfg         config.PoolConfig
	connTimeout time.Duration
	idleTimeout time.Duration

	sem chan struct{}

	mu     sync.Mutex
	idle   []idleConn
	closed bool

	stopSweep chan struct{}
	sweepDone chan struct{}
	logger    *zap.Logger
}

// NewPool creates a pool for one credential scope and starts its sweeper.
func NewPool(connector core.Connector, cred core.Credential, cfg config.PoolConfig, timeouts config.TimeoutConfig) *Pool {
	p := &Pool{
		connector:   connector,
		cred:        cred,
		cfg:         cfg,
		connTimeout: timeouts.Connection,
		idleTimeout: timeouts.Idle,
		sem:         make(chan struct{}, cfg.MaxConns),
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
		logger: logger.Get().With(
			zap.String("component", "conn_pool"),
			zap.String("source", string(connector.Kind())),
			zap.String("credential_id", cred.ID),
		),
	}
	go p.sweep()
	return p
}

// Acquire returns a live connection, reusing an idle one when available.
// It waits at most AcquireTimeout for capacity.
func (p *Pool) Acquire(ctx context.Context) (core.Conn, error) {
	if conn := p.popIdle(); conn != nil {
		p.gauge()
		return conn, nil
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ContextType(ctx), "connection acquire interrupted")
	case <-time.After(p.cfg.AcquireTimeout):
		return nil, errors.Newf(errors.ErrorTypeTimeout,
			"no %s connection available within %s", p.connector.Kind(), p.cfg.AcquireTimeout)
	}

	// a Release may have parked an idle conn while we waited for the token
	if conn := p.popIdle(); conn != nil {
		<-p.sem
		p.gauge()
		return conn, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, p.connTimeout)
	defer cancel()

	conn, err := p.connector.Open(openCtx, p.cred)
	if err != nil {
		<-p.sem
		return nil, err
	}

	p.gauge()
	return conn, nil
}

// Release returns a connection to the pool. Unhealthy connections are
// closed and their capacity freed.
func (p *Pool) Release(conn core.Conn, healthy bool) {
	p.mu.Lock()
	if p.closed || !healthy {
		p.mu.Unlock()
		conn.Close()
		<-p.sem
		p.gauge()
		return
	}
	p.idle = append(p.idle, idleConn{conn: conn, lastUsed: time.Now()})
	p.mu.Unlock()
	p.gauge()
}

// popIdle returns the most recently used idle connection, if any.
func (p *Pool) popIdle() core.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) == 0 {
		return nil
	}
	last := len(p.idle) - 1
	conn := p.idle[last].conn
	p.idle = p.idle[:last]
	return conn
}

// sweep evicts connections idle past the idle timeout.
func (p *Pool) sweep() {
	defer close(p.sweepDone)

	interval := p.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.idleTimeout)

			p.mu.Lock()
			var keep []idleConn
			var evict []core.Conn
			for _, ic := range p.idle {
				if ic.lastUsed.Before(cutoff) {
					evict = append(evict, ic.conn)
				} else {
					keep = append(keep, ic)
				}
			}
			p.idle = keep
			p.mu.Unlock()

			for _, conn := range evict {
				conn.Close()
				<-p.sem
			}
			if len(evict) > 0 {
				p.logger.Debug("evicted idle connections", zap.Int("count", len(evict)))
				p.gauge()
			}
		}
	}
}

// Close drains the pool and stops the sweeper. Checked-out connections are
// closed by their holders on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	drained := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone

	for _, ic := range drained {
		ic.conn.Close()
		<-p.sem
	}
	p.gauge()
}

// gauge publishes pool utilization.
func (p *Pool) gauge() {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	total := len(p.sem)
	source := string(p.connector.Kind())
	metrics.PoolIdleConns.WithLabelValues(source).Set(float64(idle))
	metrics.PoolActiveConns.WithLabelValues(source).Set(float64(total - idle))
}

// poolKey scopes pools by source kind and credential.
type poolKey struct {
	kind core.Kind
	cred string
}

// PoolManager lazily creates and caches pools per (source, credential).
type PoolManager struct {
	cfg      config.PoolConfig
	timeouts config.TimeoutConfig

	mu    sync.Mutex
	pools map[poolKey]*Pool
}

// NewPoolManager creates an empty pool manager.
func NewPoolManager(cfg config.PoolConfig, timeouts config.TimeoutConfig) *PoolManager {
	return &PoolManager{
		cfg:      cfg,
		timeouts: timeouts,
		pools:    make(map[poolKey]*Pool),
	}
}

// Get returns the pool for the connector and credential, creating it on
// first use.
func (m *PoolManager) Get(connector core.Connector, cred core.Credential) *Pool {
	key := poolKey{kind: connector.Kind(), cred: cred.ID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if pool, ok := m.pools[key]; ok {
		return pool
	}
	pool := NewPool(connector, cred, m.cfg, m.timeouts)
	m.pools[key] = pool
	return pool
}

// Invalidate closes and removes the pool for a credential scope, forcing
// fresh connections after a credential rotation.
func (m *PoolManager) Invalidate(kind core.Kind, credentialID string) {
	key := poolKey{kind: kind, cred: credentialID}

	m.mu.Lock()
	pool, ok := m.pools[key]
	delete(m.pools, key)
	m.mu.Unlock()

	if ok {
		pool.Close()
	}
}

// Close shuts down every pool.
func (m *PoolManager) Close() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[poolKey]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
