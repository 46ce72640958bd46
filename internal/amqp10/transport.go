package amqp10

import (
	"context"
	"time"
)

// LinkState is a coarse view of an AMQP link's attach state, queryable at
// any time (spec.md section 1: "link state query").
type LinkState int

const (
	LinkStateDetached LinkState = iota
	LinkStateAttaching
	LinkStateAttached
)

func (s LinkState) String() string {
	switch s {
	case LinkStateAttached:
		return "attached"
	case LinkStateAttaching:
		return "attaching"
	default:
		return "detached"
	}
}

// SettleMode selects how a receiver link settles deliveries.
type SettleMode int

const (
	// SettleModeAutoSettle settles on the wire at delivery time
	// (receive-and-delete).
	SettleModeAutoSettle SettleMode = iota
	// SettleModeSettleOnDisposition holds the delivery unsettled until an
	// explicit Accept/Reject/Modify/Release call (peek-lock).
	SettleModeSettleOnDisposition
)

// DispositionCode is the outcome descriptor of a settled delivery, per
// spec.md section 6 ("Rejected-disposition detector: described type
// descriptor = 0x25").
type DispositionCode uint64

const (
	DispositionAccepted DispositionCode = 0x24
	DispositionRejected DispositionCode = 0x25
	DispositionReleased DispositionCode = 0x26
	DispositionModified DispositionCode = 0x27
)

// WireMessage is an outbound message already translated to AMQP shape by
// the messaging package, per the mapping table in spec.md section 6.
//
// Value carries an amqp-value section body (a described type such as the
// renew-lock request's `described(0x77, map{...})`) for control-plane RPCs
// that do not use a data section. When Value is non-nil it takes
// precedence over Body.
type WireMessage struct {
	Body                  []byte
	Value                 any
	MessageID             string
	To                    string
	Subject               string
	ReplyTo               string
	CorrelationID         string
	ContentType           string
	GroupID               string
	ReplyToGroupID        string
	ApplicationProperties map[string]any
	Annotations           map[string]any
	TimeToLive            time.Duration
}

// InboundWireMessage is a delivery as handed to the messaging package's
// receiver, before it is wrapped into a contracts.BrokeredMessage.
type InboundWireMessage struct {
	Body                  []byte
	Value                 any
	DeliveryTag           []byte
	MessageID             string
	To                    string
	Subject               string
	ReplyTo               string
	CorrelationID         string
	ContentType           string
	GroupID               string
	ReplyToGroupID        string
	ApplicationProperties map[string]any
	Annotations           map[string]any
	DeliveryCount         uint32
	TimeToLive            time.Duration
	AbsoluteExpiryTime    time.Time
	EnqueuedTimeUTC       time.Time
	EnqueuedSequenceNum   int64
	SequenceNumber        int64
	LockedUntilUTC        time.Time
}

// SenderPolicy configures a sender link.
type SenderPolicy struct {
	Name          string
	SourceAddress string
}

// ReceiverPolicy configures a receiver link.
type ReceiverPolicy struct {
	Name          string
	TargetAddress string
	SettleMode    SettleMode
}

// Client is a single AMQP 1.0 connection: the unit the connection pool
// leases out. Grounded on the transport contract listed as out-of-scope
// in spec.md section 1; the goamqp_adapter.go file provides the one
// concrete implementation used by this repo.
type Client interface {
	NewSession(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session groups links the way AMQP 1.0 requires.
type Session interface {
	NewSender(ctx context.Context, address string, policy SenderPolicy) (SenderLink, error)
	NewReceiver(ctx context.Context, address string, policy ReceiverPolicy) (ReceiverLink, error)
	Close(ctx context.Context) error
}

// SenderLink is a single AMQP sender link.
type SenderLink interface {
	Send(ctx context.Context, msg WireMessage) (DispositionCode, error)
	Attached() bool
	State() LinkState
	OnAttached(func())
	OnDetached(func(err error))
	Close(ctx context.Context) error
}

// ReceiverLink is a single AMQP receiver link.
type ReceiverLink interface {
	Attached() bool
	State() LinkState
	LinkCredit() uint32
	AddCredits(n uint32) error
	OnMessage(func(InboundWireMessage))
	OnAttached(func())
	OnDetached(func(err error))
	Accept(ctx context.Context, deliveryTag []byte) error
	Reject(ctx context.Context, deliveryTag []byte, condition, description string) error
	Modify(ctx context.Context, deliveryTag []byte, deliveryFailed, undeliverableHere bool) error
	Release(ctx context.Context, deliveryTag []byte) error
	Close(ctx context.Context) error
}

// Dialer opens a new Client, e.g. authenticating with a shared-access key
// URL-encoded into the AMQP URL (spec.md section 4.1).
type Dialer func(ctx context.Context, amqpURL string) (Client, error)
