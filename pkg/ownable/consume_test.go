package ownable

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsume_Counters(t *testing.T) {
	hs := newHarness(t)
	consumer := hs.create(t, hs.counter, `{"count":2}`)
	consumable := hs.create(t, hs.counter, `{"count":3}`)

	ok, err := hs.m.CanConsume(hs.ctx, consumer.ID, consumable.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Asking does not change the consumer.
	after, err := hs.m.Get(consumer.ID)
	require.NoError(t, err)
	assert.Equal(t, consumer.StateHash, after.StateHash)

	snap, err := hs.m.Consume(hs.ctx, consumer.ID, consumable.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 5, decodeInfo(t, snap.Info).Count)
	assert.Equal(t, 2, snap.Events)

	gone, err := hs.m.Get(consumable.ID)
	require.NoError(t, err)
	assert.Equal(t, consumer.ID, gone.Info.ConsumedBy)
	assert.Equal(t, 2, gone.Events)

	ok, err = hs.m.CanConsume(hs.ctx, consumer.ID, consumable.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = hs.m.Consume(hs.ctx, consumer.ID, consumable.ID)
	assert.ErrorIs(t, err, ErrNotConsumable)

	// A consumed ownable refuses further business events.
	_, err = hs.m.Execute(hs.ctx, consumable.ID, json.RawMessage(`{"increment":{}}`))
	require.Error(t, err)
	assert.Contains(t, Describe(err), "ownable has been consumed")
}

func TestConsume_SelfIsRejectedWithoutSandboxCalls(t *testing.T) {
	hs := newHarness(t)
	a := hs.create(t, hs.tally, "")
	calls := hs.h.calls.Load()

	_, err := hs.m.Consume(hs.ctx, a.ID, a.ID)
	assert.ErrorIs(t, err, ErrSelfConsume)
	ok, err := hs.m.CanConsume(hs.ctx, a.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, calls, hs.h.calls.Load())
}

func TestConsume_NonConsumableWithoutSandboxCalls(t *testing.T) {
	hs := newHarness(t)
	consumer := hs.create(t, hs.tally, "")
	other := hs.create(t, hs.tally, "")
	badge := hs.create(t, hs.badge, "")
	calls := hs.h.calls.Load()

	ok, err := hs.m.CanConsume(hs.ctx, consumer.ID, badge.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = hs.m.CanConsume(hs.ctx, consumer.ID, other.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = hs.m.Consume(hs.ctx, consumer.ID, other.ID)
	assert.ErrorIs(t, err, ErrNotConsumable)
	_, err = hs.m.Consume(hs.ctx, consumer.ID, badge.ID)
	assert.ErrorIs(t, err, ErrNotDynamic)

	assert.Equal(t, calls, hs.h.calls.Load())
}

func TestConsume_RefusedByConsumer(t *testing.T) {
	hs := newHarness(t)
	// The counter program only accepts counters.
	tallied := hs.create(t, hs.tally, "")
	counter := hs.create(t, hs.counter, "")

	ok, err := hs.m.CanConsume(hs.ctx, counter.ID, tallied.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	hs.tally.IsConsumable = true
	ok, err = hs.m.CanConsume(hs.ctx, counter.ID, tallied.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = hs.m.Consume(hs.ctx, counter.ID, tallied.ID)
	assert.ErrorIs(t, err, ErrRefused)

	after, err := hs.m.Get(counter.ID)
	require.NoError(t, err)
	assert.Equal(t, counter.StateHash, after.StateHash)
}

func TestConsume_UnknownOwnable(t *testing.T) {
	hs := newHarness(t)
	a := hs.create(t, hs.counter, "")
	_, err := hs.m.CanConsume(hs.ctx, a.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = hs.m.Consume(hs.ctx, "missing", a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsume_PartlyAppliedWhenConsumableRejects(t *testing.T) {
	hs := newHarness(t)
	hs.tally.IsConsumable = true
	consumer := hs.create(t, hs.tally, "")
	// the tally program has no consumed_by handler and rejects it
	consumable := hs.create(t, hs.tally, "")

	snap, err := hs.m.Consume(hs.ctx, consumer.ID, consumable.ID)
	assert.Nil(t, snap)
	var ce *ConsumeError
	require.True(t, errors.As(err, &ce))
	assert.True(t, ce.ConsumerCommitted)
	assert.Equal(t, consumer.ID, ce.Consumer)
	assert.Equal(t, consumable.ID, ce.Consumable)
	assert.Equal(t, "consume only partly applied: rejected by the ownable: unknown message", Describe(err))

	after, err := hs.m.Get(consumer.ID)
	require.NoError(t, err)
	assert.NotEqual(t, consumer.StateHash, after.StateHash)
	assert.Equal(t, 2, after.Events)
	assert.Equal(t, 1, decodeInfo(t, after.Info).Count)

	untouched, err := hs.m.Get(consumable.ID)
	require.NoError(t, err)
	assert.Equal(t, consumable.StateHash, untouched.StateHash)
	assert.True(t, consumable.State.Equal(untouched.State))
	assert.Equal(t, 1, untouched.Events)
	assert.Empty(t, untouched.Info.ConsumedBy)

	rec, err := hs.store.Get(hs.ctx, consumable.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Chain.Events, 1)
}
