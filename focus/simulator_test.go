package focus

import (
	"confsync/contract"
	"confsync/domain"
	"confsync/domain/event"
	ce "confsync/errors"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	marie   = domain.Address("sip:marie@example.org")
	pauline = domain.Address("sip:pauline@example.org")
	laure   = domain.Address("sip:laure@example.org")
)

func newSim() *Simulator {
	return NewSimulator("focus.example.org", slog.Default())
}

func TestCreate_SeedsHistory(t *testing.T) {
	sim := newSim()
	sim.RegisterDevice(marie, "marie-dev-1")
	sim.RegisterDevice(pauline, "pauline-dev-1")

	addr, err := sim.Create(context.Background(), marie, "Colleagues", []domain.Address{pauline}, false)
	require.NoError(t, err)

	snap, err := sim.FullState(context.Background(), addr)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Events)

	created, ok := snap.Events[0].(event.ConferenceCreated)
	require.True(t, ok)
	require.Equal(t, marie, created.Creator)
	require.Equal(t, uint64(1), created.Sequence())

	// Sequences are contiguous from 1.
	for i, e := range snap.Events {
		require.Equal(t, uint64(i+1), e.Sequence())
	}
}

func TestCreate_OneToOnePairIsDeduplicated(t *testing.T) {
	sim := newSim()
	first, err := sim.Create(context.Background(), marie, "", []domain.Address{pauline}, true)
	require.NoError(t, err)

	// Same pair from either side lands on the same conference.
	second, err := sim.Create(context.Background(), pauline, "", []domain.Address{marie}, true)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// A different pair gets its own conference.
	third, err := sim.Create(context.Background(), marie, "", []domain.Address{laure}, true)
	require.NoError(t, err)
	require.NotEqual(t, first, third)
}

func TestSubscribe_DeliversOnlyTheDelta(t *testing.T) {
	sim := newSim()
	addr, err := sim.Create(context.Background(), marie, "Colleagues", []domain.Address{pauline, laure}, false)
	require.NoError(t, err)

	snap, err := sim.FullState(context.Background(), addr)
	require.NoError(t, err)
	after := uint64(1)

	sub, err := sim.Subscribe(context.Background(), addr, "marie-dev-1", after)
	require.NoError(t, err)
	require.Equal(t, snap.InstanceID, sub.Instance)

	var sequences []uint64
	for i := 0; i < len(snap.Events)-1; i++ {
		n := <-sub.Events
		sequences = append(sequences, n.Sequence)
	}
	require.Equal(t, uint64(2), sequences[0])
	require.Equal(t, snap.Events[len(snap.Events)-1].Sequence(), sequences[len(sequences)-1])
}

func TestSubmit_NonAdminRequestsAreSilentlyDropped(t *testing.T) {
	sim := newSim()
	addr, err := sim.Create(context.Background(), marie, "Colleagues", []domain.Address{pauline}, false)
	require.NoError(t, err)
	before, err := sim.FullState(context.Background(), addr)
	require.NoError(t, err)

	// Pauline is not an admin: no error, no event.
	err = sim.Submit(context.Background(), contract.Request{
		Kind: contract.RequestSetSubject, Room: addr, From: pauline, Subject: "hijacked",
	})
	require.NoError(t, err)

	after, err := sim.FullState(context.Background(), addr)
	require.NoError(t, err)
	require.Len(t, after.Events, len(before.Events))

	// The admin's request goes through.
	err = sim.Submit(context.Background(), contract.Request{
		Kind: contract.RequestSetSubject, Room: addr, From: marie, Subject: "Lunch plans",
	})
	require.NoError(t, err)
	after, err = sim.FullState(context.Background(), addr)
	require.NoError(t, err)
	require.Len(t, after.Events, len(before.Events)+1)
}

func TestSubmit_NonMemberIsRejected(t *testing.T) {
	sim := newSim()
	addr, err := sim.Create(context.Background(), marie, "Colleagues", []domain.Address{pauline}, false)
	require.NoError(t, err)

	err = sim.Submit(context.Background(), contract.Request{
		Kind: contract.RequestSetSubject, Room: addr, From: laure, Subject: "intruder",
	})
	require.ErrorIs(t, err, ce.ErrNotMember)
}

func TestSubmit_LastLeaveTerminatesAndFreesThePair(t *testing.T) {
	sim := newSim()
	first, err := sim.Create(context.Background(), marie, "", []domain.Address{pauline}, true)
	require.NoError(t, err)

	for _, member := range []domain.Address{marie, pauline} {
		err = sim.Submit(context.Background(), contract.Request{
			Kind: contract.RequestLeave, Room: first, From: member, Participant: member,
		})
		require.NoError(t, err)
	}

	// The pair is free again: a new creation gets a fresh address.
	second, err := sim.Create(context.Background(), marie, "", []domain.Address{pauline}, true)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestRecreate_NewInstanceRestartsSequences(t *testing.T) {
	sim := newSim()
	addr, err := sim.Create(context.Background(), marie, "Colleagues", []domain.Address{pauline}, false)
	require.NoError(t, err)
	before, err := sim.FullState(context.Background(), addr)
	require.NoError(t, err)

	sub, err := sim.Subscribe(context.Background(), addr, "marie-dev-1", before.Events[len(before.Events)-1].Sequence())
	require.NoError(t, err)

	require.NoError(t, sim.Recreate(addr, pauline, "Fresh start", []domain.Address{marie}))

	// The old subscription is severed so the device resubscribes.
	_, open := <-sub.Events
	require.False(t, open)

	after, err := sim.FullState(context.Background(), addr)
	require.NoError(t, err)
	require.NotEqual(t, before.InstanceID, after.InstanceID)
	require.Equal(t, uint64(1), after.Events[0].Sequence())
	created, ok := after.Events[0].(event.ConferenceCreated)
	require.True(t, ok)
	require.Equal(t, pauline, created.Creator)
}

func TestSetOnline_QueuesInvitationsWhileOffline(t *testing.T) {
	sim := newSim()
	sim.RegisterDevice(pauline, "pauline-dev-1")
	invites, err := sim.Invitations(context.Background(), "pauline-dev-1")
	require.NoError(t, err)

	sim.SetOnline("pauline-dev-1", false)
	_, err = sim.Create(context.Background(), marie, "Colleagues", []domain.Address{pauline}, false)
	require.NoError(t, err)

	select {
	case <-invites:
		t.Fatal("offline device must not receive invitations")
	default:
	}

	sim.SetOnline("pauline-dev-1", true)
	inv := <-invites
	require.False(t, inv.OneToOne)
	require.NotEmpty(t, inv.Room)
}
