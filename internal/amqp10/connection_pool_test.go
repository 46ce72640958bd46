package amqp10

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/sbuscore/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeClient) NewSession(ctx context.Context) (Session, error) { return nil, nil }

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func fakeDialerCounting(count *int32) Dialer {
	return func(ctx context.Context, amqpURL string) (Client, error) {
		atomic.AddInt32(count, 1)
		return &fakeClient{}, nil
	}
}

func TestConnectionPool_LeaseReusesWithinBudget(t *testing.T) {
	var dials int32
	pool := NewConnectionPool(fakeDialerCounting(&dials), "amqp://test", WithLinkBudget(4))

	l1, err := pool.Lease(context.Background(), 2)
	require.NoError(t, err)
	l2, err := pool.Lease(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, int32(1), dials)
	assert.Equal(t, 1, pool.Size())
	assert.Same(t, l1.Client(), l2.Client())
}

func TestConnectionPool_LeaseExceedingBudgetAllocatesNewConnection(t *testing.T) {
	var dials int32
	pool := NewConnectionPool(fakeDialerCounting(&dials), "amqp://test", WithLinkBudget(2))

	l1, err := pool.Lease(context.Background(), 2)
	require.NoError(t, err)
	l2, err := pool.Lease(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, int32(2), dials)
	assert.Equal(t, 2, pool.Size())
	assert.NotSame(t, l1.Client(), l2.Client())
}

func TestConnectionPool_ReleaseReclaimsBudgetForReuse(t *testing.T) {
	var dials int32
	pool := NewConnectionPool(fakeDialerCounting(&dials), "amqp://test", WithLinkBudget(2))

	l1, err := pool.Lease(context.Background(), 2)
	require.NoError(t, err)
	l1.Release()

	l2, err := pool.Lease(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, int32(1), dials)
	assert.Same(t, l1.Client(), l2.Client())
}

func TestConnectionPool_IdleLeaseIsReapedAfterTimeout(t *testing.T) {
	var dials int32
	pool := NewConnectionPool(fakeDialerCounting(&dials), "amqp://test",
		WithLinkBudget(2), WithIdleTimeout(10*time.Millisecond))

	l1, err := pool.Lease(context.Background(), 1)
	require.NoError(t, err)
	client := l1.Client().(*fakeClient)
	l1.Release()

	assert.Eventually(t, func() bool {
		return pool.Size() == 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, client.isClosed())
}

func TestConnectionPool_LeaseAfterIdleCancelsReap(t *testing.T) {
	var dials int32
	pool := NewConnectionPool(fakeDialerCounting(&dials), "amqp://test",
		WithLinkBudget(2), WithIdleTimeout(30*time.Millisecond))

	l1, err := pool.Lease(context.Background(), 1)
	require.NoError(t, err)
	l1.Release()

	l2, err := pool.Lease(context.Background(), 1)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), dials)
	assert.False(t, l2.Client().(*fakeClient).isClosed())
}

func TestConnectionPool_ReleaseIsIdempotent(t *testing.T) {
	var dials int32
	pool := NewConnectionPool(fakeDialerCounting(&dials), "amqp://test", WithLinkBudget(2))

	l1, err := pool.Lease(context.Background(), 2)
	require.NoError(t, err)

	l1.Release()
	l1.Release()

	l2, err := pool.Lease(context.Background(), 2)
	require.NoError(t, err)
	assert.Same(t, l1.Client(), l2.Client())
}

func TestConnectionPool_DisposeClosesAllAndRejectsNewLeases(t *testing.T) {
	var dials int32
	pool := NewConnectionPool(fakeDialerCounting(&dials), "amqp://test", WithLinkBudget(2))

	l1, err := pool.Lease(context.Background(), 1)
	require.NoError(t, err)
	client := l1.Client().(*fakeClient)

	pool.Dispose(context.Background())

	assert.True(t, client.isClosed())
	assert.Equal(t, 0, pool.Size())

	_, err = pool.Lease(context.Background(), 1)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConnectionPool_LeaseRetriesTransientDialFailures(t *testing.T) {
	var attempts int32
	dial := func(ctx context.Context, amqpURL string) (Client, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, errors.New("connection refused")
		}
		return &fakeClient{}, nil
	}
	pool := NewConnectionPool(dial, "amqp://test",
		WithDialRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 5)))

	l, err := pool.Lease(context.Background(), 1)
	require.NoError(t, err)
	assert.NotNil(t, l.Client())
	assert.Equal(t, int32(3), attempts)
}

func TestConnectionPool_LeaseOpensCircuitAfterRepeatedDialFailures(t *testing.T) {
	dial := func(ctx context.Context, amqpURL string) (Client, error) {
		return nil, errors.New("connection refused")
	}
	pool := NewConnectionPool(dial, "amqp://test",
		WithDialRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 1)),
		WithDialCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithFailureThreshold(1), reliability.WithTimeout(time.Minute))))

	_, err := pool.Lease(context.Background(), 1)
	require.Error(t, err)

	_, err = pool.Lease(context.Background(), 1)
	require.Error(t, err)
	var cbErr *reliability.CircuitBreakerError
	assert.ErrorAs(t, err, &cbErr, "second lease must be rejected by the open breaker, not attempt to dial again")
}
