package escrow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"palindromepay/core/events"
	"palindromepay/core/types"
)

type recordingEmitter struct {
	emitted []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.emitted = append(r.emitted, evt)
}

func (r *recordingEmitter) typesSeen() []string {
	seen := make([]string, 0, len(r.emitted))
	for _, evt := range r.emitted {
		seen = append(seen, evt.EventType())
	}
	return seen
}

func TestLifecycleEventSequence(t *testing.T) {
	h := newEngineHarness(t)
	rec := &recordingEmitter{}
	h.engine.SetEmitter(rec)

	esc := h.create(t, 1_000_000, 0)
	h.fund(t, esc, 1_000_000)
	require.NoError(t, h.engine.ConfirmDelivery(esc.ID, h.buyer))
	require.NoError(t, h.engine.Withdraw(esc.ID, h.seller))

	require.Equal(t, []string{
		EventTypeCreated,
		EventTypeDeposited,
		EventTypeCompleted,
		EventTypeWithdrawn,
	}, rec.typesSeen())
}

func TestDisputeEventAttributes(t *testing.T) {
	h := newEngineHarness(t)
	rec := &recordingEmitter{}
	h.engine.SetEmitter(rec)

	esc := h.create(t, 1_000_000, 0)
	h.fund(t, esc, 1_000_000)
	require.NoError(t, h.engine.StartDispute(esc.ID, h.seller))

	last := rec.emitted[len(rec.emitted)-1]
	require.Equal(t, EventTypeDisputed, last.EventType())

	rich, ok := last.(interface{ Event() *types.Event })
	require.True(t, ok)
	attrs := rich.Event().Attributes
	require.Equal(t, "seller", attrs["initiator"])
	require.Equal(t, "0", attrs["id"])
	require.Equal(t, "DISPUTED", attrs["state"])
}

func TestCompletedEventCarriesSplit(t *testing.T) {
	h := newEngineHarness(t)
	rec := &recordingEmitter{}
	h.engine.SetEmitter(rec)

	esc := h.create(t, 1_000_000, 0)
	h.fund(t, esc, 1_000_000)
	require.NoError(t, h.engine.ConfirmDelivery(esc.ID, h.buyer))

	var completed *Completed
	for _, evt := range rec.emitted {
		if c, ok := evt.(Completed); ok {
			completed = &c
		}
	}
	require.NotNil(t, completed)
	require.Equal(t, int64(10_000), completed.Fee.Int64())
	require.Equal(t, int64(990_000), completed.Payout.Int64())

	attrs := completed.Event().Attributes
	require.Equal(t, "10000", attrs["fee"])
	require.Equal(t, "990000", attrs["payout"])
}
