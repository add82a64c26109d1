package chatroom

import (
	"confsync/contract"
	"confsync/domain"
	"confsync/domain/event"
	ce "confsync/errors"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	roomAddr = domain.Address("sip:conference-1@focus.example.org")
	marie    = domain.Address("sip:marie@example.org")
	pauline  = domain.Address("sip:pauline@example.org")
	laure    = domain.Address("sip:laure@example.org")
)

type recordingSink struct {
	mu      sync.Mutex
	signals []event.Signal
}

func (s *recordingSink) Consume(_ context.Context, sig event.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return nil
}

func (s *recordingSink) all() []event.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Signal(nil), s.signals...)
}

func (s *recordingSink) states() []domain.RoomState {
	var out []domain.RoomState
	for _, sig := range s.all() {
		if st, ok := sig.(event.RoomStateChanged); ok {
			out = append(out, st.New)
		}
	}
	return out
}

type recordingSender struct {
	mu       sync.Mutex
	requests []contract.Request
}

func (s *recordingSender) Send(_ context.Context, req contract.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *recordingSender) sent() []contract.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contract.Request(nil), s.requests...)
}

func newConferenceRoom(t *testing.T) (*Room, *recordingSink, *recordingSender) {
	t.Helper()
	room := NewRoom(Params{
		Local:         marie,
		Device:        "marie-dev-1",
		Address:       roomAddr,
		Caps:          domain.CapabilityConference,
		Log:           slog.Default(),
		ImdnReporting: true,
	})
	sink := &recordingSink{}
	sender := &recordingSender{}
	room.AttachSink(sink)
	room.AttachSender(sender)
	return room, sink, sender
}

func base(seq uint64) event.Base {
	return event.Base{Room: roomAddr, Seq: seq, At: time.Now().UTC()}
}

func applyCreation(t *testing.T, room *Room) {
	t.Helper()
	require.NoError(t, room.ApplyEvent(context.Background(),
		event.ConferenceCreated{Base: base(1), Creator: marie, Subject: "Colleagues"}))
}

func TestCreate_ConferenceWaitsForFocus(t *testing.T) {
	room, sink, _ := newConferenceRoom(t)

	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	require.Equal(t, domain.StateCreationPending, room.State())
	require.Equal(t, []domain.RoomState{domain.StateInstantiated, domain.StateCreationPending}, sink.states())

	applyCreation(t, room)
	require.Equal(t, domain.StateCreated, room.State())
	require.Equal(t, "Colleagues", room.Subject())
	require.True(t, room.Roster().IsAdmin(marie))
}

func TestCreate_BasicRoomNeedsNoConfirmation(t *testing.T) {
	room := NewRoom(Params{
		Local:   marie,
		Device:  "marie-dev-1",
		Address: pauline,
		Peer:    pauline,
		Caps:    domain.CapabilityBasic.With(domain.CapabilityMigratable),
		Log:     slog.Default(),
	})

	require.NoError(t, room.Create(context.Background(), ""))
	require.Equal(t, domain.StateCreated, room.State())
}

func TestCreate_Twice(t *testing.T) {
	room, _, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	require.ErrorIs(t, room.Create(context.Background(), "Colleagues"), ce.ErrInvalidTransition)
}

func TestApplyEvent_DuplicateAndGap(t *testing.T) {
	room, _, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)

	err := room.ApplyEvent(context.Background(),
		event.ConferenceCreated{Base: base(1), Creator: marie})
	require.ErrorIs(t, err, ce.ErrDuplicateSequence)

	err = room.ApplyEvent(context.Background(),
		event.ParticipantAdded{Base: base(3), Participant: pauline})
	require.ErrorIs(t, err, ce.ErrSequenceGap)
	require.Equal(t, uint64(1), room.LastSequence())
}

func TestApplyEvent_LocalRemovalTerminatesRoom(t *testing.T) {
	room, sink, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)

	require.NoError(t, room.ApplyEvent(context.Background(),
		event.ParticipantRemoved{Base: base(2), Participant: marie}))

	require.Equal(t, domain.StateTerminated, room.State())
	require.True(t, room.HasBeenLeft())
	states := sink.states()
	require.Equal(t, domain.StateTerminated, states[len(states)-1])
}

func TestApplyEvent_SubjectChange(t *testing.T) {
	room, sink, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)

	require.NoError(t, room.ApplyEvent(context.Background(),
		event.SubjectChanged{Base: base(2), Subject: "Lunch plans"}))

	require.Equal(t, "Lunch plans", room.Subject())
	var updates []string
	for _, sig := range sink.all() {
		if s, ok := sig.(event.SubjectUpdated); ok {
			updates = append(updates, s.Subject)
		}
	}
	require.Equal(t, []string{"Colleagues", "Lunch plans"}, updates)
}

func TestRequests_RequireCreatedState(t *testing.T) {
	room, _, sender := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))

	err := room.SetSubject(context.Background(), "too early")
	require.ErrorIs(t, err, ce.ErrInvalidTransition)

	applyCreation(t, room)
	require.NoError(t, room.SetSubject(context.Background(), "Lunch plans"))
	require.NoError(t, room.AddParticipants(context.Background(), []domain.Address{laure}))
	require.NoError(t, room.SetParticipantAdmin(context.Background(), laure, true))

	sent := sender.sent()
	require.Len(t, sent, 3)
	require.Equal(t, contract.RequestSetSubject, sent[0].Kind)
	require.Equal(t, marie, sent[0].From)
	// Nothing changed locally: the focus has not confirmed anything.
	require.Equal(t, "Colleagues", room.Subject())
	require.Equal(t, 1, room.Roster().Count())
}

func TestLeave_WaitsForConfirmation(t *testing.T) {
	room, _, sender := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)

	require.NoError(t, room.Leave(context.Background()))
	require.Equal(t, domain.StateTerminationPending, room.State())

	sent := sender.sent()
	require.Len(t, sent, 1)
	require.Equal(t, contract.RequestLeave, sent[0].Kind)

	// Events keep applying while the leave is in flight.
	require.NoError(t, room.ApplyEvent(context.Background(),
		event.ParticipantAdded{Base: base(2), Participant: pauline}))

	require.NoError(t, room.ApplyEvent(context.Background(),
		event.ParticipantRemoved{Base: base(3), Participant: marie}))
	require.Equal(t, domain.StateTerminated, room.State())
}

func TestLeave_BasicRoomTerminatesLocally(t *testing.T) {
	room := NewRoom(Params{
		Local:   marie,
		Device:  "marie-dev-1",
		Address: pauline,
		Peer:    pauline,
		Caps:    domain.CapabilityBasic,
		Log:     slog.Default(),
	})
	require.NoError(t, room.Create(context.Background(), ""))

	require.NoError(t, room.Leave(context.Background()))
	require.Equal(t, domain.StateTerminated, room.State())

	require.NoError(t, room.Delete(context.Background()))
	require.Equal(t, domain.StateDeleted, room.State())
}

func TestSendMessage_TracksRecipients(t *testing.T) {
	room, _, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)
	require.NoError(t, room.ApplyEvent(context.Background(),
		event.ParticipantAdded{Base: base(2), Participant: pauline}))
	require.NoError(t, room.ApplyEvent(context.Background(),
		event.ParticipantAdded{Base: base(3), Participant: laure}))

	msg, err := room.SendMessage(context.Background(), "Lunch at noon?")
	require.NoError(t, err)
	require.Equal(t, marie, msg.Author)

	states := room.MessageStates(msg.ID)
	require.Len(t, states, 2)
	require.Equal(t, domain.ImdnSent, room.AggregateState(msg.ID))

	require.NoError(t, room.HandleDeliveryAck(context.Background(), msg.ID, pauline, "pauline-dev-1"))
	require.NoError(t, room.HandleDeliveryAck(context.Background(), msg.ID, laure, "laure-dev-1"))
	require.Equal(t, domain.ImdnDeliveredToUser, room.AggregateState(msg.ID))

	require.NoError(t, room.HandleReadAck(context.Background(), pauline, []uuid.UUID{msg.ID}))
	require.NoError(t, room.HandleReadAck(context.Background(), laure, []uuid.UUID{msg.ID}))
	require.Equal(t, domain.ImdnDisplayed, room.AggregateState(msg.ID))
}

func TestSendMessage_BasicRoomTargetsPeer(t *testing.T) {
	room := NewRoom(Params{
		Local:   marie,
		Device:  "marie-dev-1",
		Address: pauline,
		Peer:    pauline,
		Caps:    domain.CapabilityBasic,
		Log:     slog.Default(),
	})
	require.NoError(t, room.Create(context.Background(), ""))

	msg, err := room.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	states := room.MessageStates(msg.ID)
	require.Len(t, states, 1)
	require.Equal(t, pauline, states[0].Participant)
}

func TestResync_TailOnlyAppliesMissingEvents(t *testing.T) {
	room, sink, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)
	require.NoError(t, room.ApplyEvent(context.Background(),
		event.ParticipantAdded{Base: base(2), Participant: pauline}))

	before := len(sink.all())
	snap := contract.Snapshot{
		InstanceID: uuid.New(),
		Events: []event.ConferenceEvent{
			event.ConferenceCreated{Base: base(1), Creator: marie, Subject: "Colleagues"},
			event.ParticipantAdded{Base: base(2), Participant: pauline},
			event.ParticipantAdded{Base: base(3), Participant: laure},
		},
	}
	require.NoError(t, room.Resync(context.Background(), snap, false))

	require.Equal(t, uint64(3), room.LastSequence())
	require.Equal(t, 3, room.Roster().Count())
	// Only the missing tail raised signals.
	var joins int
	for _, sig := range sink.all()[before:] {
		if pc, ok := sig.(event.ParticipantChanged); ok && pc.Change == event.ParticipantJoined {
			joins++
			require.Equal(t, laure, pc.Participant)
		}
	}
	require.Equal(t, 1, joins)
}

func TestResync_RecreatedInstanceRebases(t *testing.T) {
	room, sink, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)
	require.NoError(t, room.ApplyEvent(context.Background(),
		event.ParticipantAdded{Base: base(2), Participant: pauline}))
	require.NoError(t, room.ApplyEvent(context.Background(),
		event.ParticipantAdded{Base: base(3), Participant: laure}))

	snap := contract.Snapshot{
		InstanceID: uuid.New(),
		Events: []event.ConferenceEvent{
			event.ConferenceCreated{Base: base(1), Creator: pauline, Subject: "Fresh start"},
			event.ParticipantAdded{Base: base(2), Participant: marie},
		},
	}
	require.NoError(t, room.Resync(context.Background(), snap, true))

	require.Equal(t, uint64(2), room.LastSequence())
	require.Equal(t, 2, room.Roster().Count())
	require.Equal(t, "Fresh start", room.Subject())
	require.Equal(t, domain.StateCreated, room.State())

	var updates []string
	for _, sig := range sink.all() {
		if s, ok := sig.(event.SubjectUpdated); ok {
			updates = append(updates, s.Subject)
		}
	}
	require.Equal(t, "Fresh start", updates[len(updates)-1])
}

func TestResync_RebasedOutOfMembershipTerminates(t *testing.T) {
	room, _, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)

	snap := contract.Snapshot{
		InstanceID: uuid.New(),
		Events: []event.ConferenceEvent{
			event.ConferenceCreated{Base: base(1), Creator: pauline},
		},
	}
	require.NoError(t, room.Resync(context.Background(), snap, true))
	require.Equal(t, domain.StateTerminated, room.State())
}

func TestMarkStale_EmitsDegradedSignal(t *testing.T) {
	room, sink, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)

	room.MarkStale(context.Background(), ce.ErrFocusUnreachable)

	var degraded bool
	for _, sig := range sink.all() {
		if _, ok := sig.(event.SyncDegraded); ok {
			degraded = true
		}
	}
	require.True(t, degraded)
	// The last known-good view keeps being served.
	require.Equal(t, domain.StateCreated, room.State())
	require.Equal(t, 1, room.Roster().Count())
}

func TestRoster_ReturnsDetachedSnapshot(t *testing.T) {
	room, _, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)

	snapshot := room.Roster()
	require.Equal(t, 1, snapshot.Count())

	require.NoError(t, room.ApplyEvent(context.Background(),
		event.ParticipantAdded{Base: base(2), Participant: pauline}))

	// The copy is frozen; a fresh call sees the new member.
	require.Equal(t, 1, snapshot.Count())
	require.Equal(t, 2, room.Roster().Count())
}

func TestRoster_ReadableWhileEventsApply(t *testing.T) {
	room, _, _ := newConferenceRoom(t)
	require.NoError(t, room.Create(context.Background(), "Colleagues"))
	applyCreation(t, room)

	const joins = 40
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < joins; i++ {
			guest := domain.Address(fmt.Sprintf("sip:guest-%d@example.org", i))
			_ = room.ApplyEvent(context.Background(),
				event.ParticipantAdded{Base: base(uint64(i + 2)), Participant: guest})
		}
	}()

	// Poll the roster the whole time the applies are in flight.
	require.Eventually(t, func() bool {
		return room.Roster().Count() == joins+1
	}, time.Second, time.Millisecond)
	<-done
	require.True(t, room.Roster().IsAdmin(marie))
}

func TestDropMigratable_BecomesProxy(t *testing.T) {
	room := NewRoom(Params{
		Local:   marie,
		Device:  "marie-dev-1",
		Address: pauline,
		Peer:    pauline,
		Caps:    domain.CapabilityBasic.With(domain.CapabilityMigratable),
		Log:     slog.Default(),
	})
	room.DropMigratable()
	require.False(t, room.HasCapability(domain.CapabilityMigratable))
	require.True(t, room.HasCapability(domain.CapabilityProxy))
}
