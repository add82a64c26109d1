package projection

import (
	"confsync/domain"
	"confsync/domain/event"
	"confsync/eventlog"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	room    = domain.Address("sip:conference-1@focus.example.org")
	marie   = domain.Address("sip:marie@example.org")
	pauline = domain.Address("sip:pauline@example.org")
	laure   = domain.Address("sip:laure@example.org")
)

func base(seq uint64) event.Base {
	return event.Base{Room: room, Seq: seq, At: time.Now().UTC()}
}

func TestApply_CreatorIsAdmin(t *testing.T) {
	r := NewRoster()
	r.Apply(event.ConferenceCreated{Base: base(1), Creator: marie, Subject: "Colleagues"})

	require.Equal(t, 1, r.Count())
	require.True(t, r.IsAdmin(marie))
}

func TestApply_AddAndRemoveParticipants(t *testing.T) {
	r := NewRoster()
	r.Apply(event.ConferenceCreated{Base: base(1), Creator: marie})
	r.Apply(event.ParticipantAdded{Base: base(2), Participant: pauline})
	r.Apply(event.ParticipantAdded{Base: base(3), Participant: laure})

	require.Equal(t, []domain.Address{marie, pauline, laure}, r.Addresses())

	r.Apply(event.ParticipantRemoved{Base: base(4), Participant: pauline})
	require.Equal(t, 2, r.Count())
	_, ok := r.FindParticipant(pauline)
	require.False(t, ok)
}

func TestApply_AdminChangeOnNonMemberIsNoop(t *testing.T) {
	r := NewRoster()
	r.Apply(event.ConferenceCreated{Base: base(1), Creator: marie})

	r.Apply(event.AdminStatusChanged{Base: base(2), Participant: pauline, Admin: true})
	require.False(t, r.IsAdmin(pauline))
	require.Equal(t, 1, r.Count())
}

func TestApply_DeviceTracking(t *testing.T) {
	r := NewRoster()
	r.Apply(event.ConferenceCreated{Base: base(1), Creator: marie})
	r.Apply(event.ParticipantAdded{Base: base(2), Participant: pauline})

	r.Apply(event.DeviceAdded{Base: base(3), Participant: pauline, Device: "pauline-dev-1"})
	r.Apply(event.DeviceAdded{Base: base(4), Participant: pauline, Device: "pauline-dev-1"})
	require.Equal(t, 1, r.DeviceCount(pauline))

	r.Apply(event.DeviceAdded{Base: base(5), Participant: pauline, Device: "pauline-dev-2"})
	require.Equal(t, 2, r.DeviceCount(pauline))

	// Devices of unknown participants are dropped.
	r.Apply(event.DeviceAdded{Base: base(6), Participant: laure, Device: "laure-dev-1"})
	require.Equal(t, 0, r.DeviceCount(laure))
}

func TestFindParticipant_ReturnsACopy(t *testing.T) {
	r := NewRoster()
	r.Apply(event.ConferenceCreated{Base: base(1), Creator: marie})
	r.Apply(event.DeviceAdded{Base: base(2), Participant: marie, Device: "marie-dev-1"})

	p, ok := r.FindParticipant(marie)
	require.True(t, ok)
	p.Admin = false
	p.Devices[0].ID = "tampered"

	again, _ := r.FindParticipant(marie)
	require.True(t, again.Admin)
	require.Equal(t, domain.DeviceID("marie-dev-1"), again.Devices[0].ID)
}

func TestClone_IsDetachedFromTheOriginal(t *testing.T) {
	r := NewRoster()
	r.Apply(event.ConferenceCreated{Base: base(1), Creator: marie})
	r.Apply(event.ParticipantAdded{Base: base(2), Participant: pauline})

	copied := r.Clone()
	r.Apply(event.ParticipantAdded{Base: base(3), Participant: laure})
	r.Apply(event.DeviceAdded{Base: base(4), Participant: pauline, Device: "pauline-dev-1"})

	require.Equal(t, 2, copied.Count())
	require.Equal(t, 0, copied.DeviceCount(pauline))
	require.Equal(t, 3, r.Count())
}

func TestRosterAt_ReconstructsHistoricalState(t *testing.T) {
	log := eventlog.New(room, nil, slog.Default())
	for _, e := range []event.ConferenceEvent{
		event.ConferenceCreated{Base: base(1), Creator: marie},
		event.ParticipantAdded{Base: base(2), Participant: pauline},
		event.ParticipantAdded{Base: base(3), Participant: laure},
		event.ParticipantRemoved{Base: base(4), Participant: pauline},
	} {
		require.NoError(t, log.Append(e))
	}

	atThree := RosterAt(log, 3)
	require.Equal(t, 3, atThree.Count())
	_, stillThere := atThree.FindParticipant(pauline)
	require.True(t, stillThere)

	now := FromLog(log)
	require.Equal(t, 2, now.Count())
}

func TestFromLog_ReplayMatchesIncrementalFold(t *testing.T) {
	events := []event.ConferenceEvent{
		event.ConferenceCreated{Base: base(1), Creator: marie, Subject: "Colleagues"},
		event.ParticipantAdded{Base: base(2), Participant: pauline},
		event.DeviceAdded{Base: base(3), Participant: pauline, Device: "pauline-dev-1"},
		event.AdminStatusChanged{Base: base(4), Participant: pauline, Admin: true},
		event.ParticipantAdded{Base: base(5), Participant: laure},
		event.ParticipantRemoved{Base: base(6), Participant: laure},
	}

	log := eventlog.New(room, nil, slog.Default())
	incremental := NewRoster()
	for _, e := range events {
		require.NoError(t, log.Append(e))
		incremental.Apply(e)
	}

	replayed := FromLog(log)
	require.Equal(t, incremental.Participants(), replayed.Participants())
	require.True(t, replayed.IsAdmin(pauline))
	require.Equal(t, 2, replayed.Count())
}
