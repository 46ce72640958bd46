package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAMQPError struct {
	condition   string
	description string
}

func (f *fakeAMQPError) Error() string      { return f.condition + ": " + f.description }
func (f *fakeAMQPError) Condition() string  { return f.condition }
func (f *fakeAMQPError) Description() string { return f.description }

func TestMapAMQPError_KnownCondition(t *testing.T) {
	err := &fakeAMQPError{condition: "amqp:not-found", description: "no such queue"}
	mapped := MapAMQPError("send", err)
	require.NotNil(t, mapped)
	assert.Equal(t, CodeAmqpNotFound, mapped.Code)
	assert.Equal(t, "no such queue", mapped.Context["description"])
}

func TestMapAMQPError_UnrecognizedCondition(t *testing.T) {
	err := &fakeAMQPError{condition: "amqp:some-future-condition", description: "?"}
	mapped := MapAMQPError("send", err)
	assert.Equal(t, CodeAmqpUnknown, mapped.Code)
}

func TestMapAMQPError_NonAMQPShape(t *testing.T) {
	mapped := MapAMQPError("send", errors.New("connection reset"))
	assert.Equal(t, CodeInternalUnknown, mapped.Code)
}

func TestMapAMQPError_Nil(t *testing.T) {
	assert.Nil(t, MapAMQPError("send", nil))
}
