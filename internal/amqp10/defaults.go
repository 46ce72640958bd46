// Package amqp10 implements the message-flow and link-lifecycle engine
// that sits on top of a generic AMQP 1.0 transport: the connection pool,
// the credit manager, and (via goamqp_adapter.go) the one concrete
// realization of the transport contract described in spec.md section 1.
package amqp10

import "time"

// Defaults mirrors the "Defaults (recognized config)" table in spec.md
// section 6.
const (
	DefaultRequestTimeout            = 15 * time.Second
	DefaultServiceBusDeliveryTimeout = 30 * time.Second
	DefaultServiceBusServerTimeout   = 60 * time.Second
	DefaultRenewThreshold            = 0.75
	DefaultReattachInterval          = 5 * time.Second
	DefaultAutoRenewTimeout          = 5 * time.Minute
	DefaultMaxConcurrentCalls        = 1
	DefaultHandleMax                 = 255
	DefaultConnectionIdleTimeout     = 10 * time.Minute
	DefaultSendTimeout               = 15 * time.Second
)
