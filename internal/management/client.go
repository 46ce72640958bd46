// Package management implements the control-plane request/response client
// layered over a dedicated pair of AMQP links on an entity's $management
// node, used today for lock renewal. Grounded on the correlation-map +
// channel + context-timeout idiom in bridge/bridge.go's SyncAsyncBridge,
// narrowed from a pub/sub reply-queue bridge to a direct request/response
// link pair.
package management

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/sbuscore/contracts"
	"github.com/glimte/sbuscore/internal/amqp10"
	"github.com/google/uuid"
)

const renewLockOperation = "com.microsoft:renew-lock"
const serverTimeoutProperty = "com.microsoft:server-timeout"

// requestResult is what a pendingRequest resolves with: either a response
// message or a terminal error (timeout, terminated, orphaned).
type requestResult struct {
	msg amqp10.InboundWireMessage
	err error
}

// pendingRequest tracks one in-flight management RPC.
type pendingRequest struct {
	resultCh chan requestResult
	timer    *time.Timer
	once     sync.Once
}

func (p *pendingRequest) resolve(res requestResult) {
	p.once.Do(func() {
		p.resultCh <- res
	})
}

// Client is the management request/response client described in spec.md
// section 4.3. It implements contracts.LockRenewer.
type Client struct {
	entityPath     string
	requestTimeout time.Duration
	logger         *slog.Logger

	lease        *amqp10.Lease
	session      amqp10.Session
	sender       amqp10.SenderLink
	receiver     amqp10.ReceiverLink
	receiverName string

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	disposed bool

	onError        func(err error)
	linkAttachedMu sync.Mutex
	linkAttached   []func()
	linkDetached   []func(error)
}

// OnLinkAttached registers an observer for the response receiver link's
// linkAttached event (spec.md section 4.3's event list).
func (c *Client) OnLinkAttached(fn func()) {
	c.linkAttachedMu.Lock()
	c.linkAttached = append(c.linkAttached, fn)
	c.linkAttachedMu.Unlock()
}

// OnLinkDetached registers an observer for the response receiver link's
// linkDetached event.
func (c *Client) OnLinkDetached(fn func(error)) {
	c.linkAttachedMu.Lock()
	c.linkDetached = append(c.linkDetached, fn)
	c.linkAttachedMu.Unlock()
}

func (c *Client) emitLinkAttached() {
	c.linkAttachedMu.Lock()
	fns := append([]func(){}, c.linkAttached...)
	c.linkAttachedMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) emitLinkDetached(err error) {
	c.linkAttachedMu.Lock()
	fns := append([]func(error){}, c.linkDetached...)
	c.linkAttachedMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Option configures a Client.
type Option func(*Client)

// WithRequestTimeout overrides amqpRequestTimeout (default 15s).
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClientErrorHandler registers requestClientError(err) observer,
// invoked on orphaned responses and when a response-link detach
// terminates the in-flight requests.
func WithClientErrorHandler(fn func(err error)) Option {
	return func(c *Client) { c.onError = fn }
}

// Connect acquires a 2-link lease from pool, opens one session, and attaches
// a sender/receiver pair addressed at entityPath's $management node.
func Connect(ctx context.Context, pool *amqp10.ConnectionPool, entityPath string, opts ...Option) (*Client, error) {
	c := &Client{
		entityPath:     entityPath,
		requestTimeout: amqp10.DefaultRequestTimeout,
		logger:         slog.Default(),
		pending:        make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}

	lease, err := pool.Lease(ctx, 2)
	if err != nil {
		return nil, contracts.New(contracts.CodeInternalRequestFailure, "management.connect", err)
	}

	session, err := lease.Client().NewSession(ctx)
	if err != nil {
		lease.Release()
		return nil, contracts.New(contracts.CodeInternalRequestFailure, "management.connect", err)
	}

	managementPath := contracts.ManagementPath(entityPath)
	senderName := "requestSender$" + uuid.New().String()
	receiverName := "responseReceiver$" + uuid.New().String()

	sender, err := session.NewSender(ctx, managementPath, amqp10.SenderPolicy{
		Name:          senderName,
		SourceAddress: senderName,
	})
	if err != nil {
		session.Close(ctx)
		lease.Release()
		return nil, contracts.New(contracts.CodeInternalRequestFailure, "management.connect", err)
	}

	receiver, err := session.NewReceiver(ctx, managementPath, amqp10.ReceiverPolicy{
		Name:          receiverName,
		TargetAddress: receiverName,
		SettleMode:    amqp10.SettleModeAutoSettle,
	})
	if err != nil {
		sender.Close(ctx)
		session.Close(ctx)
		lease.Release()
		return nil, contracts.New(contracts.CodeInternalRequestFailure, "management.connect", err)
	}

	c.lease = lease
	c.session = session
	c.sender = sender
	c.receiver = receiver
	c.receiverName = receiverName

	receiver.OnMessage(c.handleResponse)
	receiver.OnAttached(func() {
		c.logger.Debug("management: link attached", "name", receiverName, "path", managementPath)
		c.emitLinkAttached()
	})
	receiver.OnDetached(func(err error) {
		c.logger.Warn("management: link detached", "name", receiverName, "path", managementPath, "error", err)
		c.terminateAll(contracts.New(contracts.CodeInternalRequestTerminated, "management.detach", err))
		c.emitLinkDetached(err)
	})
	if err := receiver.AddCredits(1); err != nil {
		c.logger.Warn("management: initial credit grant failed", "error", err)
	}

	return c, nil
}

// RenewLock renews the peek-lock for the message identified by the
// canonical UUID lock token, encoding the broker's reordered-byte
// described-type request body.
func (c *Client) RenewLock(ctx context.Context, lockToken string) error {
	wire, err := contracts.LockTokenWireBytes(lockToken)
	if err != nil {
		return contracts.New(contracts.CodeInternalRequestFailure, "renewLock", err)
	}

	body := amqp10.DescribedRenewLockBody(wire)

	msg := amqp10.WireMessage{
		Value: body,
		ApplicationProperties: map[string]any{
			"operation":           renewLockOperation,
			serverTimeoutProperty: int64(amqp10.DefaultRequestTimeout / time.Millisecond),
		},
	}

	_, err = c.sendRequest(ctx, msg)
	return err
}

func (c *Client) sendRequest(ctx context.Context, msg amqp10.WireMessage) (amqp10.InboundWireMessage, error) {
	if !c.sender.Attached() || !c.receiver.Attached() {
		return amqp10.InboundWireMessage{}, contracts.New(contracts.CodeInternalRequestFailure, "sendRequest", nil).
			WithContext("status", 503)
	}

	messageID := uuid.New().String()
	msg.MessageID = messageID
	msg.ReplyTo = c.receiverName
	msg.CorrelationID = messageID

	pending := &pendingRequest{resultCh: make(chan requestResult, 1)}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return amqp10.InboundWireMessage{}, contracts.New(contracts.CodeInternalRequestFailure, "sendRequest", nil)
	}
	c.pending[messageID] = pending
	c.mu.Unlock()

	if err := c.receiver.AddCredits(1); err != nil {
		c.mu.Lock()
		delete(c.pending, messageID)
		c.mu.Unlock()
		return amqp10.InboundWireMessage{}, contracts.MapAMQPError("sendRequest", err)
	}

	pending.timer = time.AfterFunc(c.requestTimeout, func() {
		pending.resolve(requestResult{err: contracts.New(contracts.CodeInternalRequestTimeout, "sendRequest", nil).
			WithContext("status", 504)})
	})

	defer func() {
		c.mu.Lock()
		if p, ok := c.pending[messageID]; ok && p == pending {
			p.timer.Stop()
			delete(c.pending, messageID)
		}
		c.mu.Unlock()
	}()

	sendDone := make(chan error, 1)
	go func() {
		_, sendErr := c.sender.Send(ctx, msg)
		sendDone <- sendErr
	}()

	select {
	case res := <-pending.resultCh:
		if res.err != nil {
			return amqp10.InboundWireMessage{}, res.err
		}
		return res.msg, c.evaluateResponse(res.msg)
	case sendErr := <-sendDone:
		if sendErr != nil {
			return amqp10.InboundWireMessage{}, contracts.MapAMQPError("sendRequest", sendErr)
		}
		select {
		case res := <-pending.resultCh:
			if res.err != nil {
				return amqp10.InboundWireMessage{}, res.err
			}
			return res.msg, c.evaluateResponse(res.msg)
		case <-ctx.Done():
			return amqp10.InboundWireMessage{}, contracts.New(contracts.CodeInternalRequestFailure, "sendRequest", ctx.Err())
		}
	case <-ctx.Done():
		return amqp10.InboundWireMessage{}, contracts.New(contracts.CodeInternalRequestFailure, "sendRequest", ctx.Err())
	}
}

func (c *Client) evaluateResponse(resp amqp10.InboundWireMessage) error {
	status, _ := resp.ApplicationProperties["statusCode"].(int64)
	if status == 0 {
		if s, ok := resp.ApplicationProperties["statusCode"].(int); ok {
			status = int64(s)
		}
	}
	if status >= 200 && status < 300 {
		return nil
	}
	errCondition, _ := resp.ApplicationProperties["errorCondition"].(string)
	trackingID, _ := resp.ApplicationProperties["trackingId"].(string)
	return contracts.New(contracts.CodeInternalRequestFailure, "sendRequest", nil).
		WithContext("status", status).
		WithContext("errorCondition", errCondition).
		WithContext("trackingId", trackingID)
}

func (c *Client) handleResponse(msg amqp10.InboundWireMessage) {
	correlationID := msg.CorrelationID
	c.mu.Lock()
	pending, ok := c.pending[correlationID]
	c.mu.Unlock()

	if !ok {
		if c.onError != nil {
			c.onError(contracts.New(contracts.CodeInternalOrphanedResponse, "handleResponse", nil).
				WithContext("correlationId", correlationID))
		}
		return
	}

	pending.resolve(requestResult{msg: msg})
}

func (c *Client) terminateAll(err error) {
	c.mu.Lock()
	pendings := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		pendings = append(pendings, p)
	}
	c.mu.Unlock()

	for _, p := range pendings {
		p.resolve(requestResult{err: err})
	}
	if c.onError != nil {
		c.onError(err)
	}
}

// Dispose clears all request timers, terminates in-flight requests, closes
// both links, ends the session, and releases the connection lease.
// Observers registered with OnLinkAttached/OnLinkDetached are not removed.
// Calling Dispose more than once is safe.
func (c *Client) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	pendings := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		pendings = append(pendings, p)
	}
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pendings {
		p.timer.Stop()
		p.resolve(requestResult{err: contracts.New(contracts.CodeInternalRequestTerminated, "dispose", nil)})
	}

	if c.receiver != nil {
		c.receiver.Close(ctx)
	}
	if c.sender != nil {
		c.sender.Close(ctx)
	}
	if c.session != nil {
		c.session.Close(ctx)
	}
	if c.lease != nil {
		c.lease.Release()
	}
}
