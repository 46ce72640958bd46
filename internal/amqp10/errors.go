package amqp10

import "errors"

// ErrPoolClosed is returned by Lease once Dispose has run.
var ErrPoolClosed = errors.New("amqp10: connection pool is closed")
