package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/sbuscore/contracts"
	"github.com/glimte/sbuscore/internal/amqp10"
	"github.com/glimte/sbuscore/internal/management"
	"github.com/glimte/sbuscore/internal/renewal"
	"github.com/google/uuid"
)

// Handler processes one delivered message. A non-nil return abandons the
// message; a nil return lets auto-complete (if enabled) accept it. Handlers
// run concurrently, one goroutine per delivery, up to the receiver's credit
// window — per spec.md section 5, the library never queues deliveries
// waiting on a prior handler's completion.
type Handler func(ctx context.Context, msg *contracts.BrokeredMessage) error

// Receiver is the streaming "onMessage" subscription described in
// spec.md section 4.6. Grounded on internal/rabbitmq/consumer.go's
// Subscribe/processMessages/handleMessage loop shape and
// internal/rabbitmq/connection.go's reconnect() loop, narrowed to a single
// fixed-delay reattach per spec.md section 5.
type Receiver struct {
	pool             *amqp10.ConnectionPool
	entityPath       string
	handler          Handler
	policy           ReceiverPolicy
	logger           *slog.Logger
	reattachInterval time.Duration
	deliveryTimeout  time.Duration
	renewThreshold   float64
	requestTimeout   time.Duration

	mu            sync.Mutex
	lease         *amqp10.Lease
	session       amqp10.Session
	link          amqp10.ReceiverLink
	creditManager *amqp10.CreditManager
	mgmt          *management.Client
	renewals      *renewal.Scheduler
	listening     bool
	disposed      bool

	attached      eventSink[struct{}]
	detached      eventSink[error]
	receiverError eventSink[error]
	mgmtAttached  eventSink[struct{}]
	mgmtDetached  eventSink[error]
}

// RuntimeOption tunes a Receiver's own timing, distinct from the
// ReceiverPolicy applied to the link it creates.
type RuntimeOption func(*Receiver)

// WithReceiverLogger sets the logger.
func WithReceiverLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Receiver) { r.logger = logger }
}

// WithReattachInterval overrides the fixed delay (default 5s) before a
// detached receiver is reconnected.
func WithReattachInterval(d time.Duration) RuntimeOption {
	return func(r *Receiver) { r.reattachInterval = d }
}

// WithDeliveryTimeout overrides serviceBusDeliveryTimeout (default 30s),
// used to compute the renewal schedule.
func WithDeliveryTimeout(d time.Duration) RuntimeOption {
	return func(r *Receiver) { r.deliveryTimeout = d }
}

// WithRenewThreshold overrides the renewal fraction (default 0.75).
func WithRenewThreshold(threshold float64) RuntimeOption {
	return func(r *Receiver) { r.renewThreshold = threshold }
}

// WithManagementRequestTimeout overrides the management client's
// per-request timeout (default 15s).
func WithManagementRequestTimeout(d time.Duration) RuntimeOption {
	return func(r *Receiver) { r.requestTimeout = d }
}

// NewReceiver constructs a Receiver for entityPath. The link is not
// created until Listen is called.
func NewReceiver(pool *amqp10.ConnectionPool, entityPath string, handler Handler, policy ReceiverPolicy, opts ...RuntimeOption) *Receiver {
	r := &Receiver{
		pool:             pool,
		entityPath:       entityPath,
		handler:          handler,
		policy:           policy,
		logger:           slog.Default(),
		reattachInterval: amqp10.DefaultReattachInterval,
		deliveryTimeout:  amqp10.DefaultServiceBusDeliveryTimeout,
		renewThreshold:   amqp10.DefaultRenewThreshold,
		requestTimeout:   amqp10.DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnAttached registers an observer for the receiver link's attach event.
func (r *Receiver) OnAttached(fn func()) { r.attached.Subscribe(func(struct{}) { fn() }) }

// OnDetached registers an observer for the receiver link's detach event.
func (r *Receiver) OnDetached(fn func(error)) { r.detached.Subscribe(fn) }

// OnReceiverError registers an observer for errors raised outside the
// handler's own control flow: credit refresh failures, settlement
// failures, renewal failures, and detach/init-failure notifications.
func (r *Receiver) OnReceiverError(fn func(error)) { r.receiverError.Subscribe(fn) }

// OnManagementLinkAttached registers an observer for the management
// client's response-receiver attach event.
func (r *Receiver) OnManagementLinkAttached(fn func()) {
	r.mgmtAttached.Subscribe(func(struct{}) { fn() })
}

// OnManagementLinkDetached registers an observer for the management
// client's response-receiver detach event.
func (r *Receiver) OnManagementLinkDetached(fn func(error)) { r.mgmtDetached.Subscribe(fn) }

// Listen starts the connect/reattach loop in the background and returns the
// receiver itself as the subscription handle.
func (r *Receiver) Listen() *Receiver {
	go r.connect()
	return r
}

// IsListening reports whether the receiver currently holds an attached
// link (false while detached and awaiting reattach).
func (r *Receiver) IsListening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

// PendingSettleCount reports how many deliveries are mid-delayed-settle.
func (r *Receiver) PendingSettleCount() int {
	r.mu.Lock()
	cm := r.creditManager
	r.mu.Unlock()
	if cm == nil {
		return 0
	}
	return cm.PendingCount()
}

func (r *Receiver) connect() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.connectOnce(context.Background()); err != nil {
		r.receiverError.Emit(contracts.New(contracts.CodeLinkDetach, "connectReceiver", err))
		r.scheduleReattach()
	}
}

func (r *Receiver) scheduleReattach() {
	time.AfterFunc(r.reattachInterval, func() {
		r.mu.Lock()
		disposed := r.disposed
		r.mu.Unlock()
		if disposed {
			return
		}
		r.connect()
	})
}

func (r *Receiver) connectOnce(ctx context.Context) error {
	creditManager := amqp10.NewCreditManager(r.policy.creditMode(), r.policy.MaxConcurrentCalls, r.policy.refreshThreshold())

	lease, err := r.pool.Lease(ctx, 1)
	if err != nil {
		return err
	}

	session, err := lease.Client().NewSession(ctx)
	if err != nil {
		lease.Release()
		return err
	}

	link, err := session.NewReceiver(ctx, r.entityPath, amqp10.ReceiverPolicy{
		Name:          "receiver$" + uuid.New().String(),
		TargetAddress: r.entityPath,
		SettleMode:    r.policy.settleMode(),
	})
	if err != nil {
		session.Close(ctx)
		lease.Release()
		return err
	}
	creditManager.SetReceiver(link)

	mgmt, err := management.Connect(ctx, r.pool, r.entityPath,
		management.WithRequestTimeout(r.requestTimeout),
		management.WithLogger(r.logger),
		management.WithClientErrorHandler(func(err error) { r.receiverError.Emit(err) }),
	)
	if err != nil {
		link.Close(ctx)
		session.Close(ctx)
		lease.Release()
		return err
	}

	renewals := renewal.New(r.policy.AutoRenewTimeout, r.deliveryTimeout, r.renewThreshold,
		renewal.WithLogger(r.logger),
		renewal.WithOnError(func(token string, err error) { r.receiverError.Emit(err) }),
	)

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		mgmt.Dispose(ctx)
		link.Close(ctx)
		session.Close(ctx)
		lease.Release()
		return contracts.New(contracts.CodeLinkDetach, "connectReceiver", nil).WithContext("reason", "disposed during connect")
	}
	r.lease = lease
	r.session = session
	r.link = link
	r.creditManager = creditManager
	r.mgmt = mgmt
	r.renewals = renewals
	r.listening = true
	r.mu.Unlock()

	link.OnMessage(r.handleDelivery)
	link.OnAttached(func() { r.attached.Emit(struct{}{}) })
	link.OnDetached(r.onDetach)
	mgmt.OnLinkAttached(func() { r.mgmtAttached.Emit(struct{}{}) })
	mgmt.OnLinkDetached(func(err error) { r.mgmtDetached.Emit(err) })

	return nil
}

func (r *Receiver) handleDelivery(w amqp10.InboundWireMessage) {
	r.mu.Lock()
	creditManager := r.creditManager
	renewals := r.renewals
	mgmt := r.mgmt
	link := r.link
	r.mu.Unlock()
	if creditManager == nil || link == nil {
		return
	}

	if err := creditManager.RefreshCredits(); err != nil {
		r.receiverError.Emit(err)
	}

	settled := r.policy.ReceiveMode == ReceiveModeReceiveAndDelete

	token, _ := contracts.LockTokenFromDeliveryTag(w.DeliveryTag)

	cfg := fromInboundWireMessage(w)
	cfg.LockToken = token
	cfg.InitiallySettled = settled
	cfg.CreditManager = creditManager
	cfg.SettlementLink = link
	cfg.LockRenewer = mgmt

	message := contracts.NewInboundMessage(cfg)
	message.OnSettleError(func(err error) { r.receiverError.Emit(err) })

	if settled {
		creditManager.SettleMessage(token)
	}

	if renewals != nil {
		renewals.Schedule(message)
	}

	go r.dispatch(message)
}

func (r *Receiver) dispatch(message *contracts.BrokeredMessage) {
	ctx := context.Background()
	err := r.handler(ctx, message)

	if err != nil {
		if abErr := message.Abandon(ctx); abErr != nil {
			r.receiverError.Emit(abErr)
		}
		return
	}

	if !message.IsSettled() && r.policy.AutoComplete {
		if cErr := message.Complete(ctx); cErr != nil {
			r.receiverError.Emit(cErr)
		}
	}
}

func (r *Receiver) onDetach(err error) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.listening = false
	r.mu.Unlock()

	r.detached.Emit(err)
	r.receiverError.Emit(contracts.New(contracts.CodeLinkDetach, "receiver", err))
	r.teardown()
	r.scheduleReattach()
}

func (r *Receiver) teardown() {
	r.mu.Lock()
	mgmt := r.mgmt
	link := r.link
	session := r.session
	lease := r.lease
	renewals := r.renewals
	r.mgmt = nil
	r.link = nil
	r.session = nil
	r.lease = nil
	r.creditManager = nil
	r.renewals = nil
	r.listening = false
	r.mu.Unlock()

	if renewals != nil {
		renewals.Stop()
	}
	if mgmt != nil {
		mgmt.Dispose(context.Background())
	}
	if link != nil {
		link.Close(context.Background())
	}
	if session != nil {
		session.Close(context.Background())
	}
	if lease != nil {
		lease.Release()
	}
}

// Dispose clears all renewal timers, drops all listener refs, disposes the
// management client, ends the session, detaches the receiver, and releases
// the connection lease. Calling Dispose more than once is safe.
func (r *Receiver) Dispose(ctx context.Context) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.mu.Unlock()

	r.teardown()

	r.attached.Clear()
	r.detached.Clear()
	r.receiverError.Clear()
	r.mgmtAttached.Clear()
	r.mgmtDetached.Clear()
}
