package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventSink_DeliversToAllSubscribersInOrder(t *testing.T) {
	var sink eventSink[int]
	var order []int

	sink.Subscribe(func(v int) { order = append(order, v*10) })
	sink.Subscribe(func(v int) { order = append(order, v*100) })

	sink.Emit(3)

	assert.Equal(t, []int{30, 300}, order)
}

func TestEventSink_EmitBeforeAnySubscribeIsANoop(t *testing.T) {
	var sink eventSink[string]
	assert.NotPanics(t, func() { sink.Emit("x") })
}

func TestEventSink_ClearDropsAllObservers(t *testing.T) {
	var sink eventSink[int]
	calls := 0
	sink.Subscribe(func(int) { calls++ })

	sink.Clear()
	sink.Emit(1)

	assert.Equal(t, 0, calls)
}

func TestEventSink_SubscribeDuringEmitDoesNotAffectInFlightEmit(t *testing.T) {
	var sink eventSink[int]
	seen := 0
	sink.Subscribe(func(int) {
		seen++
		sink.Subscribe(func(int) { seen++ })
	})

	sink.Emit(1)
	assert.Equal(t, 1, seen, "a listener added mid-Emit must not run in the same Emit call")

	sink.Emit(1)
	assert.Equal(t, 3, seen)
}
