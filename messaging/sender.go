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

// Sender is a lazily-connected AMQP sender for one entity path, per
// spec.md section 4.4. Grounded on messaging/publisher.go and
// internal/rabbitmq/direct_publisher.go's lazy-link-acquisition +
// send/timeout race + idempotent-dispose pattern.
type Sender struct {
	pool        *amqp10.ConnectionPool
	entityPath  string
	sendTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	lease    *amqp10.Lease
	session  amqp10.Session
	link     amqp10.SenderLink
	disposed bool

	onAttached eventSink[struct{}]
	onDetached eventSink[error]
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderTimeout overrides the per-Send timeout (default 15s).
func WithSenderTimeout(d time.Duration) SenderOption {
	return func(s *Sender) { s.sendTimeout = d }
}

// WithSenderLogger sets the logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = logger }
}

// NewSender constructs a Sender for entityPath. The underlying link is not
// created until the first Send or CanSend call.
func NewSender(pool *amqp10.ConnectionPool, entityPath string, opts ...SenderOption) *Sender {
	s := &Sender{
		pool:        pool,
		entityPath:  entityPath,
		sendTimeout: amqp10.DefaultSendTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnAttached registers an observer for the underlying link's attach event.
func (s *Sender) OnAttached(fn func()) {
	s.onAttached.Subscribe(func(struct{}) { fn() })
}

// OnDetached registers an observer for the underlying link's detach event.
func (s *Sender) OnDetached(fn func(error)) {
	s.onDetached.Subscribe(fn)
}

func (s *Sender) ensureLink(ctx context.Context) (amqp10.SenderLink, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, contracts.New(contracts.CodeSendDisposed, "ensureLink", nil)
	}
	if s.link != nil {
		link := s.link
		s.mu.Unlock()
		return link, nil
	}
	s.mu.Unlock()

	lease, err := s.pool.Lease(ctx, 1)
	if err != nil {
		return nil, contracts.MapAMQPError("ensureLink", err)
	}

	session, err := lease.Client().NewSession(ctx)
	if err != nil {
		lease.Release()
		return nil, contracts.MapAMQPError("ensureLink", err)
	}

	link, err := session.NewSender(ctx, s.entityPath, amqp10.SenderPolicy{
		Name:          "sender$" + uuid.New().String(),
		SourceAddress: s.entityPath,
	})
	if err != nil {
		session.Close(ctx)
		lease.Release()
		return nil, contracts.MapAMQPError("ensureLink", err)
	}

	link.OnAttached(func() { s.onAttached.Emit(struct{}{}) })
	link.OnDetached(func(err error) { s.onDetached.Emit(err) })

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		link.Close(ctx)
		session.Close(ctx)
		lease.Release()
		return nil, contracts.New(contracts.CodeSendDisposed, "ensureLink", nil)
	}
	s.lease = lease
	s.session = session
	s.link = link
	s.mu.Unlock()

	return link, nil
}

// Send translates msg per spec.md section 6's outbound mapping table and
// sends it, racing the transport's send-ack against sendTimeout. A
// rejected disposition (descriptor 0x25) fails with Send.Rejected.
func (s *Sender) Send(ctx context.Context, msg *contracts.BrokeredMessage) error {
	link, err := s.ensureLink(ctx)
	if err != nil {
		return err
	}

	wire := toWireMessage(msg)

	type result struct {
		disp amqp10.DispositionCode
		err  error
	}
	done := make(chan result, 1)
	go func() {
		disp, sendErr := link.Send(ctx, wire)
		done <- result{disp: disp, err: sendErr}
	}()

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return contracts.MapAMQPError("send", res.err)
		}
		if res.disp == amqp10.DispositionRejected {
			return contracts.New(contracts.CodeSendRejected, "send", nil)
		}
		return nil
	case <-timer.C:
		return contracts.New(contracts.CodeSendTimeout, "send", nil)
	case <-ctx.Done():
		return contracts.New(contracts.CodeSendTimeout, "send", ctx.Err())
	}
}

// CanSend reports whether the underlying link is attached, lazily creating
// it if it doesn't exist yet.
func (s *Sender) CanSend(ctx context.Context) bool {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	link, err := s.ensureLink(ctx)
	if err != nil {
		return false
	}
	return link.Attached()
}

// Dispose ends the session, detaches listeners, and releases the
// connection lease. Calling Dispose more than once is safe.
func (s *Sender) Dispose(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	session := s.session
	lease := s.lease
	link := s.link
	s.mu.Unlock()

	s.onAttached.Clear()
	s.onDetached.Clear()

	if link != nil {
		link.Close(ctx)
	}
	if session != nil {
		session.Close(ctx)
	}
	if lease != nil {
		lease.Release()
	}
}
