package amqp10

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/sbuscore/internal/reliability"
	"github.com/google/uuid"
)

// ConnectionPool reuses a small number of AMQP connections across many
// logical senders and receivers, subject to a per-connection link budget,
// reaping idle connections after ConnectionPoolOption-configured delay.
// Grounded on internal/rabbitmq/connection.go's ConnectionManager (dial
// with context timeout) and internal/rabbitmq/channel_pool.go's Get/Put
// active-count bookkeeping, generalized from "hand out a channel" to
// "hand out N link slots on a connection".
type ConnectionPool struct {
	mu          sync.Mutex
	dial        Dialer
	amqpURL     string
	budget      uint32
	idleTimeout time.Duration
	logger      *slog.Logger
	leases      []*connLease
	closed      bool

	breaker     *reliability.CircuitBreaker
	retryPolicy reliability.RetryPolicy
}

type connLease struct {
	id           string
	client       Client
	linkRefcount uint32
	idleTimer    *time.Timer
}

// ConnectionPoolOption configures a ConnectionPool.
type ConnectionPoolOption func(*ConnectionPool)

// WithLinkBudget sets the per-connection link budget (default 255, the
// AMQP handle-max spec.md documents).
func WithLinkBudget(budget uint32) ConnectionPoolOption {
	return func(p *ConnectionPool) { p.budget = budget }
}

// WithIdleTimeout sets how long a lease with zero links waits before its
// connection is torn down.
func WithIdleTimeout(d time.Duration) ConnectionPoolOption {
	return func(p *ConnectionPool) { p.idleTimeout = d }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) ConnectionPoolOption {
	return func(p *ConnectionPool) { p.logger = logger }
}

// WithDialRetryPolicy overrides the backoff policy applied to a failing
// dial before the circuit breaker records it as a failure.
func WithDialRetryPolicy(policy reliability.RetryPolicy) ConnectionPoolOption {
	return func(p *ConnectionPool) { p.retryPolicy = policy }
}

// WithDialCircuitBreaker overrides the circuit breaker guarding dial
// attempts, so a broker that is down for an extended period stops being
// hammered by every Lease call racing to reconnect.
func WithDialCircuitBreaker(breaker *reliability.CircuitBreaker) ConnectionPoolOption {
	return func(p *ConnectionPool) { p.breaker = breaker }
}

// NewConnectionPool creates a pool that dials amqpURL on demand.
func NewConnectionPool(dial Dialer, amqpURL string, opts ...ConnectionPoolOption) *ConnectionPool {
	p := &ConnectionPool{
		dial:        dial,
		amqpURL:     amqpURL,
		budget:      DefaultHandleMax,
		idleTimeout: DefaultConnectionIdleTimeout,
		logger:      slog.Default(),
		retryPolicy: reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
		breaker:     reliability.NewCircuitBreaker(reliability.WithName("amqp-dial"), reliability.WithTimeout(30*time.Second)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lease is a handle to a leased connection; Release must be called
// exactly once when the caller is done with the numLinks it requested.
type Lease struct {
	pool     *ConnectionPool
	lease    *connLease
	numLinks uint32
	released bool
	mu       sync.Mutex
}

// Client returns the underlying AMQP connection.
func (l *Lease) Client() Client {
	return l.lease.client
}

// Release returns the leased link slots to the pool. Calling Release more
// than once on the same Lease is a no-op.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.release(l.lease, l.numLinks)
}

// Lease scans existing leases in insertion order and returns the first
// whose link_refcount + numLinks fits the budget; otherwise it opens a new
// connection. numLinks defaults to 1 when zero.
func (p *ConnectionPool) Lease(ctx context.Context, numLinks uint32) (*Lease, error) {
	if numLinks == 0 {
		numLinks = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for _, cl := range p.leases {
		if cl.linkRefcount+numLinks <= p.budget {
			if cl.idleTimer != nil {
				cl.idleTimer.Stop()
				cl.idleTimer = nil
			}
			cl.linkRefcount += numLinks
			p.mu.Unlock()
			return &Lease{pool: p, lease: cl, numLinks: numLinks}, nil
		}
	}
	p.mu.Unlock()

	var client Client
	err := p.breaker.Execute(ctx, func() error {
		return reliability.Retry(ctx, p.retryPolicy, func() error {
			c, dialErr := p.dial(ctx, p.amqpURL)
			if dialErr != nil {
				return dialErr
			}
			client = c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	cl := &connLease{
		id:           uuid.New().String(),
		client:       client,
		linkRefcount: numLinks,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		client.Close(ctx)
		return nil, ErrPoolClosed
	}
	p.leases = append(p.leases, cl)
	p.mu.Unlock()

	return &Lease{pool: p, lease: cl, numLinks: numLinks}, nil
}

func (p *ConnectionPool) release(cl *connLease, numLinks uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if numLinks > cl.linkRefcount {
		cl.linkRefcount = 0
	} else {
		cl.linkRefcount -= numLinks
	}

	if cl.linkRefcount > 0 || p.closed {
		return
	}

	cl.idleTimer = time.AfterFunc(p.idleTimeout, func() {
		p.reapIfIdle(cl)
	})
}

func (p *ConnectionPool) reapIfIdle(cl *connLease) {
	p.mu.Lock()
	if cl.linkRefcount != 0 {
		p.mu.Unlock()
		return
	}
	idx := -1
	for i, l := range p.leases {
		if l == cl {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return
	}
	p.leases = append(p.leases[:idx], p.leases[idx+1:]...)
	p.mu.Unlock()

	p.logger.Info("connection pool: reaping idle connection", "id", cl.id)
	cl.client.Close(context.Background())
}

// Size returns the number of connections currently held by the pool.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// Dispose disconnects all leases and clears the pool.
func (p *ConnectionPool) Dispose(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	leases := p.leases
	p.leases = nil
	p.mu.Unlock()

	for _, cl := range leases {
		if cl.idleTimer != nil {
			cl.idleTimer.Stop()
		}
		cl.client.Close(ctx)
	}
}
