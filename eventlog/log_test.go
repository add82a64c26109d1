package eventlog

import (
	"confsync/domain"
	"confsync/domain/event"
	ce "confsync/errors"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const room = domain.Address("sip:conference-1@focus.example.org")

func created(seq uint64) event.ConferenceEvent {
	return event.ConferenceCreated{
		Base:    event.Base{Room: room, Seq: seq, At: time.Now().UTC()},
		Creator: "sip:marie@example.org",
		Subject: "Colleagues",
	}
}

func added(seq uint64, who domain.Address) event.ConferenceEvent {
	return event.ParticipantAdded{
		Base:        event.Base{Room: room, Seq: seq, At: time.Now().UTC()},
		Participant: who,
	}
}

func TestAppend_ContiguousSequences(t *testing.T) {
	log := New(room, nil, slog.Default())

	require.NoError(t, log.Append(created(1)))
	require.NoError(t, log.Append(added(2, "sip:pauline@example.org")))
	require.NoError(t, log.Append(added(3, "sip:laure@example.org")))

	require.Equal(t, uint64(3), log.LastSequence())
	require.Equal(t, 3, log.Len())
}

func TestAppend_DuplicateIsRejected(t *testing.T) {
	log := New(room, nil, slog.Default())

	require.NoError(t, log.Append(created(1)))
	require.NoError(t, log.Append(added(2, "sip:pauline@example.org")))

	err := log.Append(added(2, "sip:pauline@example.org"))
	require.ErrorIs(t, err, ce.ErrDuplicateSequence)
	require.Equal(t, uint64(2), log.LastSequence())
}

func TestAppend_GapIsRejected(t *testing.T) {
	log := New(room, nil, slog.Default())

	require.NoError(t, log.Append(created(1)))

	err := log.Append(added(4, "sip:pauline@example.org"))
	require.ErrorIs(t, err, ce.ErrSequenceGap)
	require.Equal(t, uint64(1), log.LastSequence())
}

func TestRebase_ReplacesHistory(t *testing.T) {
	log := New(room, nil, slog.Default())
	require.NoError(t, log.Append(created(1)))
	require.NoError(t, log.Append(added(2, "sip:pauline@example.org")))

	rebased := []event.ConferenceEvent{
		created(1),
		added(2, "sip:laure@example.org"),
		added(3, "sip:pauline@example.org"),
	}
	require.NoError(t, log.Rebase(rebased))

	require.Equal(t, uint64(3), log.LastSequence())
	require.Equal(t, rebased, log.Events())
}

func TestRebase_MustOpenWithCreation(t *testing.T) {
	log := New(room, nil, slog.Default())

	err := log.Rebase([]event.ConferenceEvent{added(1, "sip:pauline@example.org")})
	require.ErrorIs(t, err, ce.ErrEmptyHistory)

	err = log.Rebase(nil)
	require.ErrorIs(t, err, ce.ErrEmptyHistory)
}

func TestRebase_MustBeContiguous(t *testing.T) {
	log := New(room, nil, slog.Default())

	err := log.Rebase([]event.ConferenceEvent{created(1), added(3, "sip:pauline@example.org")})
	require.ErrorIs(t, err, ce.ErrSequenceGap)
}

type memoryStore struct {
	events map[domain.Address][]event.ConferenceEvent
}

func (m *memoryStore) AppendEvent(room domain.Address, e event.ConferenceEvent) error {
	m.events[room] = append(m.events[room], e)
	return nil
}

func (m *memoryStore) LoadEvents(room domain.Address) ([]event.ConferenceEvent, error) {
	return m.events[room], nil
}

func (m *memoryStore) ReplaceEvents(room domain.Address, events []event.ConferenceEvent) error {
	m.events[room] = events
	return nil
}

type failingStore struct{ memoryStore }

func (f *failingStore) AppendEvent(domain.Address, event.ConferenceEvent) error {
	return errors.New("disk full")
}

func TestAppend_PersistenceFailureKeepsMemoryAuthoritative(t *testing.T) {
	store := &failingStore{memoryStore{events: make(map[domain.Address][]event.ConferenceEvent)}}
	log := New(room, store, slog.Default())

	require.NoError(t, log.Append(created(1)))
	require.NoError(t, log.Append(added(2, "sip:pauline@example.org")))
	require.Equal(t, uint64(2), log.LastSequence())
}

func TestLoad_RebuildsFromStore(t *testing.T) {
	store := &memoryStore{events: make(map[domain.Address][]event.ConferenceEvent)}
	log := New(room, store, slog.Default())
	require.NoError(t, log.Append(created(1)))
	require.NoError(t, log.Append(added(2, "sip:pauline@example.org")))

	reloaded, err := Load(room, store, slog.Default())
	require.NoError(t, err)
	require.Equal(t, uint64(2), reloaded.LastSequence())
	require.Equal(t, log.Events(), reloaded.Events())
}
