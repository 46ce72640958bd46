package contracts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProcessingState is the lifecycle of an inbound BrokeredMessage.
type ProcessingState int

const (
	// StateNone is the state of a user-constructed (outbound) message.
	StateNone ProcessingState = iota
	// StateActive is a received, unsettled message.
	StateActive
	// StateSettling is a message with a scheduled delayed settlement.
	StateSettling
	// StateSettled is a message whose disposition reached the broker.
	StateSettled
	// StateSettleFailed is a message whose disposition failed.
	StateSettleFailed
)

func (s ProcessingState) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateActive:
		return "Active"
	case StateSettling:
		return "Settling"
	case StateSettled:
		return "Settled"
	case StateSettleFailed:
		return "SettleFailed"
	default:
		return "Unknown"
	}
}

// SettlementOutcome names the disposition a settle call applies.
type SettlementOutcome int

const (
	OutcomeComplete SettlementOutcome = iota
	OutcomeAbandon
	OutcomeDeadLetter
)

// SettlementLink is the subset of a receiver link a BrokeredMessage needs
// to perform its own settlement. Implemented by the transport package's
// receiver link wrapper; kept here as a narrow interface so this package
// never imports the transport layer.
type SettlementLink interface {
	Attached() bool
	Accept(ctx context.Context, deliveryTag []byte) error
	Reject(ctx context.Context, deliveryTag []byte, condition, description string) error
	Modify(ctx context.Context, deliveryTag []byte, deliveryFailed, undeliverableHere bool) error
}

// SettlementCreditManager is the subset of the credit manager a message
// needs to account for its own settlement credit.
type SettlementCreditManager interface {
	ScheduleMessageSettle(lockToken string)
	SettleMessage(lockToken string)
}

// LockRenewer renews a peek-locked message's lock via the management
// request client.
type LockRenewer interface {
	RenewLock(ctx context.Context, lockToken string) error
}

// SettleOption configures a settlement call.
type SettleOption func(*settleOptions)

type settleOptions struct {
	delay                 time.Duration
	deadLetterReason      string
	deadLetterDescription string
}

// WithDelay schedules the settlement disposition to run after d instead of
// immediately. The credit is accounted for at scheduling time, not at
// disposition time (see CreditManager.ScheduleMessageSettle).
func WithDelay(d time.Duration) SettleOption {
	return func(o *settleOptions) { o.delay = d }
}

// WithDeadLetterReason attaches a reason/description to a DeadLetter call.
func WithDeadLetterReason(reason, description string) SettleOption {
	return func(o *settleOptions) {
		o.deadLetterReason = reason
		o.deadLetterDescription = description
	}
}

// BrokeredMessage is the user-visible data carrier for both outbound
// (constructed by the user, consumed once by send) and inbound (constructed
// per delivery) messages.
type BrokeredMessage struct {
	mu sync.Mutex

	Body                    []byte
	Properties              map[string]any
	ContentType             string
	CorrelationID           string
	MessageID               string
	Label                   string
	ReplyTo                 string
	ReplyToSessionID        string
	PartitionKey            string
	SessionID               string
	ScheduledEnqueueTimeUTC time.Time
	TimeToLive              time.Duration
	To                      string

	deliveryCount          int32
	enqueuedSequenceNumber int64
	enqueuedTimeUTC        time.Time
	lockedUntilUTC         time.Time
	expiresAtUTC           time.Time
	sequenceNumber         int64
	lockToken              string
	deliveryTag            []byte

	processingState ProcessingState

	creditManager  SettlementCreditManager
	settlementLink SettlementLink
	lockRenewer    LockRenewer

	settleErrListeners []func(error)
	settleTimer        *time.Timer
}

// NewOutboundMessage constructs a user-built message ready for Sender.Send.
// MessageID defaults to a freshly generated UUID per spec.md section 3.
func NewOutboundMessage(body []byte) *BrokeredMessage {
	return &BrokeredMessage{
		Body:            body,
		Properties:      make(map[string]any),
		MessageID:       uuid.New().String(),
		processingState: StateNone,
	}
}

// InboundMessageConfig carries everything an inbound delivery supplies.
type InboundMessageConfig struct {
	Body                    []byte
	Properties              map[string]any
	ContentType             string
	CorrelationID           string
	MessageID               string
	Label                   string
	ReplyTo                 string
	ReplyToSessionID        string
	PartitionKey            string
	SessionID               string
	ScheduledEnqueueTimeUTC time.Time
	TimeToLive              time.Duration
	To                      string
	DeliveryCount           int32
	EnqueuedSequenceNumber  int64
	EnqueuedTimeUTC         time.Time
	LockedUntilUTC          time.Time
	ExpiresAtUTC            time.Time
	SequenceNumber          int64
	LockToken               string
	DeliveryTag             []byte
	InitiallySettled        bool
	CreditManager           SettlementCreditManager
	SettlementLink          SettlementLink
	LockRenewer             LockRenewer
}

// NewInboundMessage constructs a received BrokeredMessage. processingState
// is Settled iff cfg.InitiallySettled (receive-and-delete mode), else
// Active (peek-lock mode).
func NewInboundMessage(cfg InboundMessageConfig) *BrokeredMessage {
	state := StateActive
	if cfg.InitiallySettled {
		state = StateSettled
	}
	if cfg.Properties == nil {
		cfg.Properties = make(map[string]any)
	}
	return &BrokeredMessage{
		Body:                    cfg.Body,
		Properties:              cfg.Properties,
		ContentType:             cfg.ContentType,
		CorrelationID:           cfg.CorrelationID,
		MessageID:               cfg.MessageID,
		Label:                   cfg.Label,
		ReplyTo:                 cfg.ReplyTo,
		ReplyToSessionID:        cfg.ReplyToSessionID,
		PartitionKey:            cfg.PartitionKey,
		SessionID:               cfg.SessionID,
		ScheduledEnqueueTimeUTC: cfg.ScheduledEnqueueTimeUTC,
		TimeToLive:              cfg.TimeToLive,
		To:                      cfg.To,
		deliveryCount:           cfg.DeliveryCount,
		enqueuedSequenceNumber:  cfg.EnqueuedSequenceNumber,
		enqueuedTimeUTC:         cfg.EnqueuedTimeUTC,
		lockedUntilUTC:          cfg.LockedUntilUTC,
		expiresAtUTC:            cfg.ExpiresAtUTC,
		sequenceNumber:          cfg.SequenceNumber,
		lockToken:               cfg.LockToken,
		deliveryTag:             cfg.DeliveryTag,
		processingState:         state,
		creditManager:           cfg.CreditManager,
		settlementLink:          cfg.SettlementLink,
		lockRenewer:             cfg.LockRenewer,
	}
}

func (m *BrokeredMessage) DeliveryCount() int32                  { return m.deliveryCount }
func (m *BrokeredMessage) EnqueuedSequenceNumber() int64         { return m.enqueuedSequenceNumber }
func (m *BrokeredMessage) EnqueuedTimeUTC() time.Time            { return m.enqueuedTimeUTC }
func (m *BrokeredMessage) LockedUntilUTC() time.Time             { return m.lockedUntilUTC }
func (m *BrokeredMessage) ExpiresAtUTC() time.Time               { return m.expiresAtUTC }
func (m *BrokeredMessage) SequenceNumber() int64                 { return m.sequenceNumber }
func (m *BrokeredMessage) LockToken() string                     { return m.lockToken }

// State returns the current processingState.
func (m *BrokeredMessage) State() ProcessingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processingState
}

// IsSettled reports whether the message has reached a terminal settled
// state (Settled or SettleFailed both stop further settlement attempts).
func (m *BrokeredMessage) IsSettled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processingState == StateSettled || m.processingState == StateSettleFailed
}

// OnSettleError registers a listener invoked whenever a settlement
// disposition fails. Forwarded by the streaming receiver as a
// receiverError event.
func (m *BrokeredMessage) OnSettleError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleErrListeners = append(m.settleErrListeners, fn)
}

func (m *BrokeredMessage) emitSettleError(err error) {
	m.mu.Lock()
	listeners := append([]func(error){}, m.settleErrListeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

// Complete accepts the message.
func (m *BrokeredMessage) Complete(ctx context.Context, opts ...SettleOption) error {
	return m.settle(ctx, OutcomeComplete, opts...)
}

// Abandon releases the lock so the message becomes available for
// redelivery (AMQP modify, deliveryFailed=true).
func (m *BrokeredMessage) Abandon(ctx context.Context, opts ...SettleOption) error {
	return m.settle(ctx, OutcomeAbandon, opts...)
}

// DeadLetter rejects the message into its entity's dead-letter sub-queue.
func (m *BrokeredMessage) DeadLetter(ctx context.Context, opts ...SettleOption) error {
	return m.settle(ctx, OutcomeDeadLetter, opts...)
}

func (m *BrokeredMessage) settle(ctx context.Context, outcome SettlementOutcome, opts ...SettleOption) error {
	var cfg settleOptions
	for _, opt := range opts {
		opt(&cfg)
	}

	m.mu.Lock()
	if m.creditManager == nil {
		m.mu.Unlock()
		return New(CodeLinkCreditManagerMissing, "settle", nil)
	}
	if m.processingState != StateActive {
		state := m.processingState
		m.mu.Unlock()
		return New(CodeMessageSettleFailure, "settle", nil).WithContext("state", state.String())
	}

	token := m.lockToken
	creditManager := m.creditManager

	if cfg.delay > 0 {
		m.processingState = StateSettling
		creditManager.ScheduleMessageSettle(token)
		m.settleTimer = time.AfterFunc(cfg.delay, func() {
			m.disposeNow(context.Background(), outcome, cfg)
		})
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return m.disposeNow(ctx, outcome, cfg)
}

// disposeNow performs the actual wire disposition and, in all outcomes,
// calls creditManager.SettleMessage exactly once (finally-block
// discipline per spec.md section 4.5).
func (m *BrokeredMessage) disposeNow(ctx context.Context, outcome SettlementOutcome, cfg settleOptions) error {
	m.mu.Lock()
	token := m.lockToken
	tag := m.deliveryTag
	link := m.settlementLink
	creditManager := m.creditManager
	m.mu.Unlock()

	defer creditManager.SettleMessage(token)

	if !link.Attached() {
		err := New(CodeMessageSettleFailure, "settle", nil).WithContext("reason", "link not attached")
		m.mu.Lock()
		m.processingState = StateSettleFailed
		m.mu.Unlock()
		m.emitSettleError(err)
		return err
	}

	var err error
	switch outcome {
	case OutcomeComplete:
		err = link.Accept(ctx, tag)
	case OutcomeAbandon:
		err = link.Modify(ctx, tag, true, false)
	case OutcomeDeadLetter:
		err = link.Reject(ctx, tag, cfg.deadLetterReason, cfg.deadLetterDescription)
	}

	m.mu.Lock()
	if err != nil {
		m.processingState = StateSettleFailed
	} else {
		m.processingState = StateSettled
		m.settleErrListeners = nil
	}
	m.mu.Unlock()

	if err != nil {
		wrapped := New(CodeMessageSettleFailure, "settle", err)
		m.emitSettleError(wrapped)
		return wrapped
	}
	return nil
}

// CancelScheduledSettle aborts a pending delayed settlement (used by the
// receiver on dispose) and drains the already-accounted-for credit.
func (m *BrokeredMessage) CancelScheduledSettle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleTimer == nil {
		return
	}
	if m.settleTimer.Stop() && m.processingState == StateSettling {
		m.processingState = StateSettleFailed
		if m.creditManager != nil {
			m.creditManager.SettleMessage(m.lockToken)
		}
	}
}

// RenewLock renews the peek-lock via the management request client.
func (m *BrokeredMessage) RenewLock(ctx context.Context) error {
	m.mu.Lock()
	state := m.processingState
	renewer := m.lockRenewer
	token := m.lockToken
	m.mu.Unlock()

	if state == StateSettled || state == StateSettleFailed || renewer == nil {
		return nil
	}

	err := renewer.RenewLock(ctx, token)
	if err == nil {
		return nil
	}

	switch {
	case Is(err, CodeInternalRequestTimeout):
		return New(CodeMessageLockRenewalTimeout, "renewLock", err)
	case Is(err, CodeInternalRequestFailure):
		wrapped := New(CodeMessageLockRenewalFailure, "renewLock", err)
		if code, ok := CodeOf(err); ok {
			wrapped.WithContext("cause", code)
		}
		return wrapped
	default:
		return New(CodeMessageLockRenewalFailure, "renewLock", err)
	}
}
