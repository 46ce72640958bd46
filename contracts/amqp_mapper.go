package contracts

import "strings"

// AMQPCondition is satisfied by any transport error that carries a
// described amqp:error shape: a two-element descriptor list whose first
// element is the symbol condition ("amqp:not-found", ...) and whose
// second element is the human-readable description. The transport
// package's go-amqp adapter implements this over *amqp.Error so the
// mapper never has to import the transport library.
type AMQPCondition interface {
	Condition() string
	Description() string
}

// MapAMQPError classifies a transport-layer error into the Amqp.* taxonomy
// from spec.md section 7. Errors that don't carry a recognizable
// amqp:condition symbol map to Internal.Unknown; recognized conditions
// that aren't in the mapping table map to Amqp.Unknown carrying the
// original description.
func MapAMQPError(op string, err error) *Error {
	if err == nil {
		return nil
	}

	cond, ok := err.(AMQPCondition)
	if !ok {
		return New(CodeInternalUnknown, op, err)
	}

	symbol := strings.TrimPrefix(cond.Condition(), "amqp:")
	code, known := amqpConditionCodes[symbol]
	if !known {
		code = CodeAmqpUnknown
	}

	return New(code, op, err).WithContext("description", cond.Description())
}
