package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/sbuscore/contracts"
	"github.com/glimte/sbuscore/internal/amqp10"
	"github.com/google/uuid"
)

// BatchReceiver is the one-shot "receiveBatch" pull described in spec.md
// section 4.7: a transient, pre-settled receiver opened fresh per call.
// Grounded on the link-per-call shape of messaging/batch.go, narrowed to a
// single count/timeout/detach race instead of a reusable subscription.
type BatchReceiver struct {
	pool       *amqp10.ConnectionPool
	entityPath string
	logger     *slog.Logger
}

// BatchReceiverOption configures a BatchReceiver.
type BatchReceiverOption func(*BatchReceiver)

// WithBatchLogger sets the logger.
func WithBatchLogger(logger *slog.Logger) BatchReceiverOption {
	return func(b *BatchReceiver) { b.logger = logger }
}

// NewBatchReceiver constructs a BatchReceiver for entityPath. Each Receive
// call opens and tears down its own link; nothing is held between calls.
func NewBatchReceiver(pool *amqp10.ConnectionPool, entityPath string, opts ...BatchReceiverOption) *BatchReceiver {
	b := &BatchReceiver{
		pool:       pool,
		entityPath: entityPath,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type batchOutcome int

const (
	batchOutcomeCount batchOutcome = iota
	batchOutcomeTimeout
	batchOutcomeDetached
	batchOutcomeCanceled
)

// Receive opens a transient receiver, issues n credits once, and collects
// pre-settled messages as they arrive. It returns once n messages have
// arrived, timeout elapses (default serviceBusServerTimeout, 60s, when
// timeout <= 0), or the link detaches — whichever happens first. A detach
// before either of the other two conditions fails the call even if some
// messages had already been collected.
func (b *BatchReceiver) Receive(ctx context.Context, n uint32, timeout time.Duration) ([]*contracts.BrokeredMessage, error) {
	if timeout <= 0 {
		timeout = amqp10.DefaultServiceBusServerTimeout
	}

	lease, err := b.pool.Lease(ctx, 1)
	if err != nil {
		return nil, contracts.MapAMQPError("receiveBatch", err)
	}

	session, err := lease.Client().NewSession(ctx)
	if err != nil {
		lease.Release()
		return nil, contracts.MapAMQPError("receiveBatch", err)
	}

	link, err := session.NewReceiver(ctx, b.entityPath, amqp10.ReceiverPolicy{
		Name:          "batch$" + uuid.New().String(),
		TargetAddress: b.entityPath,
		SettleMode:    amqp10.SettleModeAutoSettle,
	})
	if err != nil {
		session.Close(ctx)
		lease.Release()
		return nil, contracts.MapAMQPError("receiveBatch", err)
	}

	var mu sync.Mutex
	messages := make([]*contracts.BrokeredMessage, 0, n)
	var detachErr error

	outcome := make(chan batchOutcome, 1)
	report := func(o batchOutcome) {
		select {
		case outcome <- o:
		default:
		}
	}

	link.OnDetached(func(err error) {
		mu.Lock()
		detachErr = err
		mu.Unlock()
		report(batchOutcomeDetached)
	})

	link.OnMessage(func(w amqp10.InboundWireMessage) {
		cfg := fromInboundWireMessage(w)
		cfg.InitiallySettled = true
		message := contracts.NewInboundMessage(cfg)

		mu.Lock()
		messages = append(messages, message)
		reached := uint32(len(messages)) >= n
		mu.Unlock()

		if reached {
			report(batchOutcomeCount)
		}
	})

	if err := link.AddCredits(n); err != nil {
		link.Close(context.Background())
		session.Close(context.Background())
		lease.Release()
		return nil, contracts.MapAMQPError("receiveBatch", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result batchOutcome
	select {
	case result = <-outcome:
	case <-timer.C:
		result = batchOutcomeTimeout
	case <-ctx.Done():
		result = batchOutcomeCanceled
	}

	link.Close(context.Background())
	session.Close(context.Background())
	lease.Release()

	mu.Lock()
	collected := messages
	derr := detachErr
	mu.Unlock()

	switch result {
	case batchOutcomeDetached:
		return collected, contracts.New(contracts.CodeLinkDetach, "receiveBatch", derr)
	case batchOutcomeCanceled:
		return collected, ctx.Err()
	default:
		return collected, nil
	}
}
