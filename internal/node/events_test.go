package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_OnEmit(t *testing.T) {
	e := NewEmitter()

	var got []any
	e.On(EventSync, func(args ...any) { got = args })

	e.Emit(EventSync, 3, "peer-b")
	assert.Equal(t, []any{3, "peer-b"}, got)
}

func TestEmitter_Unsubscribe(t *testing.T) {
	e := NewEmitter()

	calls := 0
	off := e.On(EventPeerJoin, func(...any) { calls++ })

	e.Emit(EventPeerJoin, "p")
	off()
	e.Emit(EventPeerJoin, "p")

	assert.Equal(t, 1, calls)
}

func TestEmitter_SnapshotIteration(t *testing.T) {
	e := NewEmitter()

	// A listener that subscribes another listener mid-emission: the new
	// one must not run in the same emission.
	lateCalls := 0
	e.On(EventOperation, func(...any) {
		e.On(EventOperation, func(...any) { lateCalls++ })
	})

	e.Emit(EventOperation)
	assert.Zero(t, lateCalls, "listener added during dispatch waits for the next emission")

	e.Emit(EventOperation)
	assert.Equal(t, 1, lateCalls)
}

func TestEmitter_UnsubscribeDuringDispatch(t *testing.T) {
	e := NewEmitter()

	var offSecond func()
	firstCalls, secondCalls := 0, 0
	e.On(EventSync, func(...any) {
		firstCalls++
		offSecond()
	})
	offSecond = e.On(EventSync, func(...any) { secondCalls++ })

	// The snapshot taken at emission time still includes the second
	// listener; removal only affects later emissions.
	e.Emit(EventSync)
	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 1, secondCalls)

	e.Emit(EventSync)
	assert.Equal(t, 2, firstCalls)
	assert.Equal(t, 1, secondCalls)
}

func TestEmitter_PanicForwardedToError(t *testing.T) {
	e := NewEmitter()

	var errs []any
	e.On(EventError, func(args ...any) { errs = append(errs, args...) })
	e.On(EventSync, func(...any) { panic("boom") })

	e.Emit(EventSync)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0].(error), "boom")
}

func TestEmitter_PanicInErrorListenerContained(t *testing.T) {
	e := NewEmitter()
	e.On(EventError, func(...any) { panic("again") })

	assert.NotPanics(t, func() { e.Emit(EventError, assert.AnError) })
}
