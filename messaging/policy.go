// Package messaging composes the connection pool, credit manager, and
// management client from internal/amqp10 and internal/management into the
// Sender, streaming Receiver, and batch Receiver described in spec.md
// section 4.4, 4.6, and 4.7. The Client/Queue/Topic handles of 4.8 live in
// the root sbuscore package.
package messaging

import (
	"time"

	"github.com/glimte/sbuscore/internal/amqp10"
)

// ReceiveMode selects whether inbound messages arrive under an exclusive
// lock (PeekLock) or are pre-settled on the wire (ReceiveAndDelete).
type ReceiveMode int

const (
	ReceiveModePeekLock ReceiveMode = iota
	ReceiveModeReceiveAndDelete
)

// ReceiverPolicy is the per-subscription tuning named in spec.md section 3.
type ReceiverPolicy struct {
	ReceiveMode        ReceiveMode
	AutoComplete       bool
	AutoRenewTimeout   time.Duration
	MaxConcurrentCalls uint32
}

// DefaultReceiverPolicy returns the policy defaults from spec.md section 3:
// PeekLock, auto-complete on, 5-minute renewal deadline, one concurrent call.
func DefaultReceiverPolicy() ReceiverPolicy {
	return ReceiverPolicy{
		ReceiveMode:        ReceiveModePeekLock,
		AutoComplete:       true,
		AutoRenewTimeout:   amqp10.DefaultAutoRenewTimeout,
		MaxConcurrentCalls: amqp10.DefaultMaxConcurrentCalls,
	}
}

// ReceiverOption customizes a ReceiverPolicy built by DefaultReceiverPolicy.
type ReceiverOption func(*ReceiverPolicy)

// WithReceiveMode sets PeekLock or ReceiveAndDelete.
func WithReceiveMode(mode ReceiveMode) ReceiverOption {
	return func(p *ReceiverPolicy) { p.ReceiveMode = mode }
}

// WithAutoComplete toggles automatic completion of a message whose handler
// returned without error.
func WithAutoComplete(enabled bool) ReceiverOption {
	return func(p *ReceiverPolicy) { p.AutoComplete = enabled }
}

// WithAutoRenewTimeout sets the lock-renewal deadline. Zero disables
// renewal entirely; a negative duration removes the deadline, so renewals
// continue until the message settles.
func WithAutoRenewTimeout(d time.Duration) ReceiverOption {
	return func(p *ReceiverPolicy) { p.AutoRenewTimeout = d }
}

// WithMaxConcurrentCalls sets the receiver's initial credit quantum, i.e.
// the number of deliveries that may be in flight to the handler at once.
func WithMaxConcurrentCalls(n uint32) ReceiverOption {
	return func(p *ReceiverPolicy) { p.MaxConcurrentCalls = n }
}

// NewReceiverPolicy builds a policy starting from the defaults.
func NewReceiverPolicy(opts ...ReceiverOption) ReceiverPolicy {
	p := DefaultReceiverPolicy()
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func (p ReceiverPolicy) creditMode() amqp10.Mode {
	if p.ReceiveMode == ReceiveModeReceiveAndDelete {
		return amqp10.ModeReceiveAndDelete
	}
	return amqp10.ModePeekLock
}

func (p ReceiverPolicy) settleMode() amqp10.SettleMode {
	if p.ReceiveMode == ReceiveModeReceiveAndDelete {
		return amqp10.SettleModeAutoSettle
	}
	return amqp10.SettleModeSettleOnDisposition
}

func (p ReceiverPolicy) refreshThreshold() uint32 {
	return amqp10.CeilDiv(p.MaxConcurrentCalls, 2)
}
