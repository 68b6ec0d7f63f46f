// Package connpool provides a bounded, optionally autoscaling pool of
// dedicated connections for blocking read operations.
//
// The pool hands out leases over dedicated connections (one per durable
// subscription); when the pool is exhausted it degrades to a shared base
// connection instead of blocking the caller.
package connpool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Conn is the minimal connection surface the pool manages.
type Conn interface {
	Close() error
}

// Dialer produces a new dedicated connection.
type Dialer func(ctx context.Context) (Conn, error)

// Config holds pool sizing and autoscale policy.
type Config struct {
	// Max is the initial maximum number of dedicated connections.
	Max int `env:"POOL_MAX" env-default:"16"`

	// WarmUp pre-dials this many connections in the background.
	WarmUp int `env:"POOL_WARMUP" env-default:"0"`

	// Autoscale enables grow-on-exhaustion / shrink-on-idle behavior.
	Autoscale bool `env:"POOL_AUTOSCALE" env-default:"false"`

	// GrowFactor multiplies Max on exhaustion, up to GrowCap.
	GrowFactor float64 `env:"POOL_GROW_FACTOR" env-default:"2"`

	// GrowCap is the hard ceiling for Max.
	GrowCap int `env:"POOL_GROW_CAP" env-default:"256"`

	// ShrinkFactor divides Max on shrink, down to the initial Max.
	ShrinkFactor float64 `env:"POOL_SHRINK_FACTOR" env-default:"2"`

	// ShrinkDivisor: shrink is considered when inUse <= max/ShrinkDivisor.
	ShrinkDivisor int `env:"POOL_SHRINK_DIVISOR" env-default:"4"`

	// ShrinkCooldown is the minimum delay between a grow and a shrink.
	ShrinkCooldown time.Duration `env:"POOL_SHRINK_COOLDOWN" env-default:"30s"`
}

// Stats is an observational snapshot of the pool.
type Stats struct {
	Max       int
	Created   int
	Available int
	InUse     int
}

// Lease is a held connection. Shared leases wrap the pool's shared base
// connection; releasing them is a no-op.
type Lease struct {
	Conn   Conn
	Shared bool

	pool     *Pool
	released bool
}

const warnInterval = 30 * time.Second

// Pool is a bounded pool of dedicated connections.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	dialer  Dialer
	shared  Conn
	idle    []Conn
	created int
	inUse   int
	max     int
	floor   int
	closed  bool

	lastGrow     time.Time
	lastWarn     time.Time
	warnSuppress int

	log *slog.Logger
}

// New creates a pool. shared is the fallback connection used on exhaustion;
// it is owned by the caller and never closed by the pool. Warm-up is
// best-effort and never blocks construction.
func New(cfg Config, dialer Dialer, shared Conn, log *slog.Logger) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = 16
	}
	if cfg.GrowFactor <= 1 {
		cfg.GrowFactor = 2
	}
	if cfg.ShrinkFactor <= 1 {
		cfg.ShrinkFactor = 2
	}
	if cfg.ShrinkDivisor <= 0 {
		cfg.ShrinkDivisor = 4
	}
	if cfg.GrowCap < cfg.Max {
		cfg.GrowCap = cfg.Max
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Pool{
		cfg:    cfg,
		dialer: dialer,
		shared: shared,
		max:    cfg.Max,
		floor:  cfg.Max,
		log:    log,
	}

	if cfg.WarmUp > 0 {
		go p.warmUp(cfg.WarmUp)
	}

	return p
}

func (p *Pool) warmUp(n int) {
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed || p.created >= p.max {
			p.mu.Unlock()
			return
		}
		p.created++
		p.mu.Unlock()

		conn, err := p.dialer(context.Background())
		p.mu.Lock()
		if err != nil || p.closed {
			p.created--
			p.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
}

// Acquire hands out a lease. Idle connections are reused first, then new
// connections are created up to max; at the cap the pool degrades to the
// shared connection with a rate-limited warning.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed(nil)
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return &Lease{Conn: conn, pool: p}, nil
	}

	if p.created >= p.max {
		if p.cfg.Autoscale && p.max < p.cfg.GrowCap {
			grown := int(float64(p.max) * p.cfg.GrowFactor)
			if grown > p.cfg.GrowCap {
				grown = p.cfg.GrowCap
			}
			p.max = grown
			p.lastGrow = time.Now()
		} else {
			lease := p.sharedLeaseLocked()
			p.mu.Unlock()
			return lease, nil
		}
	}

	// Reserve the slot before dialing so concurrent acquires respect max.
	p.created++
	p.inUse++
	p.mu.Unlock()

	conn, err := p.dialer(ctx)
	if err != nil {
		p.mu.Lock()
		p.created--
		p.inUse--
		p.mu.Unlock()
		return nil, ErrDialFailed(err)
	}

	return &Lease{Conn: conn, pool: p}, nil
}

// sharedLeaseLocked builds the exhaustion-fallback lease. Caller holds p.mu.
func (p *Pool) sharedLeaseLocked() *Lease {
	now := time.Now()
	if now.Sub(p.lastWarn) >= warnInterval {
		p.log.Warn("connection pool exhausted, falling back to shared connection",
			"max", p.max,
			"in_use", p.inUse,
			"suppressed", p.warnSuppress,
		)
		p.lastWarn = now
		p.warnSuppress = 0
	} else {
		p.warnSuppress++
	}
	return &Lease{Conn: p.shared, Shared: true, pool: p}
}

// Release returns the lease's connection to the pool. Unhealthy releases
// close the connection and decrement the live count. Releasing a shared
// lease is a no-op.
func (l *Lease) Release(unhealthy bool) {
	if l == nil || l.Shared || l.released {
		return
	}
	l.released = true
	l.pool.release(l.Conn, unhealthy)
}

func (p *Pool) release(conn Conn, unhealthy bool) {
	p.mu.Lock()
	p.inUse--

	if unhealthy || p.closed {
		p.created--
		p.mu.Unlock()
		conn.Close()
		return
	}

	p.idle = append(p.idle, conn)
	toClose := p.maybeShrinkLocked()
	p.mu.Unlock()

	for _, c := range toClose {
		c.Close()
	}
}

// maybeShrinkLocked applies the shrink policy and returns idle connections
// trimmed past the new max. Caller holds p.mu.
func (p *Pool) maybeShrinkLocked() []Conn {
	if !p.cfg.Autoscale || p.max <= p.floor {
		return nil
	}
	if p.inUse > p.max/p.cfg.ShrinkDivisor {
		return nil
	}
	if time.Since(p.lastGrow) < p.cfg.ShrinkCooldown {
		return nil
	}

	shrunk := int(float64(p.max) / p.cfg.ShrinkFactor)
	if shrunk < p.floor {
		shrunk = p.floor
	}
	p.max = shrunk

	var toClose []Conn
	for p.created > p.max && len(p.idle) > 0 {
		n := len(p.idle)
		toClose = append(toClose, p.idle[n-1])
		p.idle = p.idle[:n-1]
		p.created--
	}
	return toClose
}

// Stats returns an observational snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Max:       p.max,
		Created:   p.created,
		Available: len(p.idle),
		InUse:     p.inUse,
	}
}

// Close closes all idle connections and marks the pool closed. Connections
// still leased are closed as they are released. The shared connection is
// caller-owned and left open.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.created -= len(idle)
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	return nil
}
