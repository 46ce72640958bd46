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

// TopicHandle composes a Sender for the topic plus, per subscription
// name, a cached pair of streaming Receivers (subscription and its
// dead-letter sub-entity) and a BatchReceiver, per spec.md section 4.8.
type TopicHandle struct {
	pool   *amqp10.ConnectionPool
	name   string
	logger *slog.Logger

	mu            sync.Mutex
	sender        *messaging.Sender
	subscriptions map[string]*subscriptionHandles

	senderEvent messaging.EventSink[LinkEvent]
}

type subscriptionHandles struct {
	receiver    *messaging.Receiver
	dlqReceiver *messaging.Receiver
	batch       *messaging.BatchReceiver
}

func newTopicHandle(pool *amqp10.ConnectionPool, name string, logger *slog.Logger) *TopicHandle {
	return &TopicHandle{
		pool:          pool,
		name:          name,
		logger:        logger,
		subscriptions: make(map[string]*subscriptionHandles),
	}
}

// OnSenderEvent registers an observer for SenderDetached/SenderReattached.
func (h *TopicHandle) OnSenderEvent(fn func(LinkEvent)) { h.senderEvent.Subscribe(fn) }

func (h *TopicHandle) ensureSender() *messaging.Sender {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sender == nil {
		h.sender = messaging.NewSender(h.pool, h.name, messaging.WithSenderLogger(h.logger))
		h.sender.OnDetached(func(error) { h.senderEvent.Emit(SenderDetached) })
		h.sender.OnAttached(func() { h.senderEvent.Emit(SenderReattached) })
	}
	return h.sender
}

// Send publishes msg to the topic.
func (h *TopicHandle) Send(ctx context.Context, msg *contracts.BrokeredMessage) error {
	return h.ensureSender().Send(ctx, msg)
}

// CanSend reports whether the topic's Sender link is attached.
func (h *TopicHandle) CanSend(ctx context.Context) bool {
	return h.ensureSender().CanSend(ctx)
}

// DisposeSender tears down the topic's Sender only.
func (h *TopicHandle) DisposeSender(ctx context.Context) {
	h.mu.Lock()
	sender := h.sender
	h.sender = nil
	h.mu.Unlock()
	if sender != nil {
		sender.Dispose(ctx)
	}
}

func (h *TopicHandle) subscription(name string) *subscriptionHandles {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscriptions[name]
	if !ok {
		sub = &subscriptionHandles{}
		h.subscriptions[name] = sub
	}
	return sub
}

// OnMessage starts (or returns the existing) streaming Receiver on
// topic/Subscriptions/<subscriptionName>.
func (h *TopicHandle) OnMessage(subscriptionName string, handler messaging.Handler, policy messaging.ReceiverPolicy, opts ...messaging.RuntimeOption) *messaging.Receiver {
	sub := h.subscription(subscriptionName)
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.receiver == nil {
		path := contracts.TopicSubscriptionPath(h.name, subscriptionName)
		sub.receiver = messaging.NewReceiver(h.pool, path, handler, policy, append(opts, messaging.WithReceiverLogger(h.logger))...).Listen()
	}
	return sub.receiver
}

// OnDeadLetteredMessage starts (or returns the existing) streaming
// Receiver on the subscription's dead-letter sub-entity.
func (h *TopicHandle) OnDeadLetteredMessage(subscriptionName string, handler messaging.Handler, policy messaging.ReceiverPolicy, opts ...messaging.RuntimeOption) *messaging.Receiver {
	sub := h.subscription(subscriptionName)
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.dlqReceiver == nil {
		path := contracts.TopicSubscriptionDeadLetterPath(h.name, subscriptionName)
		sub.dlqReceiver = messaging.NewReceiver(h.pool, path, handler, policy, append(opts, messaging.WithReceiverLogger(h.logger))...).Listen()
	}
	return sub.dlqReceiver
}

// Receive pulls exactly one pre-settled message from the subscription.
func (h *TopicHandle) Receive(ctx context.Context, subscriptionName string, timeout time.Duration) (*contracts.BrokeredMessage, error) {
	msgs, err := h.ensureBatch(subscriptionName).Receive(ctx, 1, timeout)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// ReceiveBatch pulls up to n pre-settled messages from the subscription.
func (h *TopicHandle) ReceiveBatch(ctx context.Context, subscriptionName string, n uint32, timeout time.Duration) ([]*contracts.BrokeredMessage, error) {
	return h.ensureBatch(subscriptionName).Receive(ctx, n, timeout)
}

func (h *TopicHandle) ensureBatch(subscriptionName string) *messaging.BatchReceiver {
	sub := h.subscription(subscriptionName)
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.batch == nil {
		path := contracts.TopicSubscriptionPath(h.name, subscriptionName)
		sub.batch = messaging.NewBatchReceiver(h.pool, path, messaging.WithBatchLogger(h.logger))
	}
	return sub.batch
}

// Dispose tears down the Sender and every per-subscription Receiver this
// handle created.
func (h *TopicHandle) Dispose(ctx context.Context) {
	h.mu.Lock()
	sender := h.sender
	subs := h.subscriptions
	h.sender = nil
	h.subscriptions = make(map[string]*subscriptionHandles)
	h.mu.Unlock()

	h.senderEvent.Clear()

	if sender != nil {
		sender.Dispose(ctx)
	}
	for _, sub := range subs {
		if sub.receiver != nil {
			sub.receiver.Dispose(ctx)
		}
		if sub.dlqReceiver != nil {
			sub.dlqReceiver.Dispose(ctx)
		}
	}
}
