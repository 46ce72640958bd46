package sbuscore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/sbuscore/contracts"
	"github.com/glimte/sbuscore/internal/amqp10"
	"github.com/glimte/sbuscore/messaging"
)

// LinkEvent names a sender's reattach-transparency notification, per
// spec.md section 4.8 ("forwards sender detached/reattached").
type LinkEvent int

const (
	SenderDetached LinkEvent = iota
	SenderReattached
)

// QueueHandle composes a Sender and, on demand, Receivers for a single
// queue name, per spec.md section 4.8. Grounded on client.go's per-name
// cached handle and the Handle→{Sender,Receiver(s)} ownership line in
// spec.md section 5.
type QueueHandle struct {
	pool   *amqp10.ConnectionPool
	name   string
	logger *slog.Logger

	mu          sync.Mutex
	sender      *messaging.Sender
	receiver    *messaging.Receiver
	dlqReceiver *messaging.Receiver
	batch       *messaging.BatchReceiver

	senderEvent messaging.EventSink[LinkEvent]
}

func newQueueHandle(pool *amqp10.ConnectionPool, name string, logger *slog.Logger) *QueueHandle {
	return &QueueHandle{pool: pool, name: name, logger: logger}
}

// OnSenderEvent registers an observer for SenderDetached/SenderReattached.
func (h *QueueHandle) OnSenderEvent(fn func(LinkEvent)) { h.senderEvent.Subscribe(fn) }

func (h *QueueHandle) ensureSender() *messaging.Sender {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sender == nil {
		h.sender = messaging.NewSender(h.pool, contracts.QueuePath(h.name), messaging.WithSenderLogger(h.logger))
		h.sender.OnDetached(func(error) { h.senderEvent.Emit(SenderDetached) })
		h.sender.OnAttached(func() { h.senderEvent.Emit(SenderReattached) })
	}
	return h.sender
}

// Send sends msg on the queue's lazily-created Sender.
func (h *QueueHandle) Send(ctx context.Context, msg *contracts.BrokeredMessage) error {
	return h.ensureSender().Send(ctx, msg)
}

// CanSend reports whether the queue's Sender link is attached.
func (h *QueueHandle) CanSend(ctx context.Context) bool {
	return h.ensureSender().CanSend(ctx)
}

// DisposeSender tears down the queue's Sender only, leaving any active
// Receiver(s) running.
func (h *QueueHandle) DisposeSender(ctx context.Context) {
	h.mu.Lock()
	sender := h.sender
	h.sender = nil
	h.mu.Unlock()
	if sender != nil {
		sender.Dispose(ctx)
	}
}

// OnMessage starts (or returns the existing) streaming Receiver on the
// queue itself.
func (h *QueueHandle) OnMessage(handler messaging.Handler, policy messaging.ReceiverPolicy, opts ...messaging.RuntimeOption) *messaging.Receiver {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.receiver == nil {
		h.receiver = messaging.NewReceiver(h.pool, contracts.QueuePath(h.name), handler, policy, append(opts, messaging.WithReceiverLogger(h.logger))...).Listen()
	}
	return h.receiver
}

// OnDeadLetteredMessage starts (or returns the existing) streaming
// Receiver on the queue's dead-letter sub-entity.
func (h *QueueHandle) OnDeadLetteredMessage(handler messaging.Handler, policy messaging.ReceiverPolicy, opts ...messaging.RuntimeOption) *messaging.Receiver {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dlqReceiver == nil {
		h.dlqReceiver = messaging.NewReceiver(h.pool, contracts.QueueDeadLetterPath(h.name), handler, policy, append(opts, messaging.WithReceiverLogger(h.logger))...).Listen()
	}
	return h.dlqReceiver
}

// Receive pulls exactly one pre-settled message, or returns early at
// timeout with a nil message.
func (h *QueueHandle) Receive(ctx context.Context, timeout time.Duration) (*contracts.BrokeredMessage, error) {
	msgs, err := h.ensureBatch().Receive(ctx, 1, timeout)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// ReceiveBatch pulls up to n pre-settled messages within timeout.
func (h *QueueHandle) ReceiveBatch(ctx context.Context, n uint32, timeout time.Duration) ([]*contracts.BrokeredMessage, error) {
	return h.ensureBatch().Receive(ctx, n, timeout)
}

func (h *QueueHandle) ensureBatch() *messaging.BatchReceiver {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.batch == nil {
		h.batch = messaging.NewBatchReceiver(h.pool, contracts.QueuePath(h.name), messaging.WithBatchLogger(h.logger))
	}
	return h.batch
}

// Dispose tears down the Sender and every Receiver this handle created.
func (h *QueueHandle) Dispose(ctx context.Context) {
	h.mu.Lock()
	sender := h.sender
	receiver := h.receiver
	dlqReceiver := h.dlqReceiver
	h.sender = nil
	h.receiver = nil
	h.dlqReceiver = nil
	h.mu.Unlock()

	h.senderEvent.Clear()

	if sender != nil {
		sender.Dispose(ctx)
	}
	if receiver != nil {
		receiver.Dispose(ctx)
	}
	if dlqReceiver != nil {
		dlqReceiver.Dispose(ctx)
	}
}
