package event

import (
	"confsync/domain"

	"github.com/google/uuid"
)

// Signal is what the engine emits to application sinks once an
// authoritative change has been applied locally. Signals are derived from
// applied events and from IMDN aggregation; they are never speculative.
type Signal interface {
	SignalRoom() domain.Address
}

// RoomStateChanged reports a lifecycle transition of one room.
type RoomStateChanged struct {
	Room domain.Address
	Old  domain.RoomState
	New  domain.RoomState
}

func (s RoomStateChanged) SignalRoom() domain.Address { return s.Room }

// ParticipantChange discriminates ParticipantChanged signals.
type ParticipantChange int

const (
	ParticipantJoined ParticipantChange = iota
	ParticipantLeft
	ParticipantAdminChanged
	ParticipantDeviceAdded
)

func (c ParticipantChange) String() string {
	switch c {
	case ParticipantJoined:
		return "Joined"
	case ParticipantLeft:
		return "Left"
	case ParticipantAdminChanged:
		return "AdminChanged"
	case ParticipantDeviceAdded:
		return "DeviceAdded"
	default:
		return "Unknown"
	}
}

type ParticipantChanged struct {
	Room        domain.Address
	Participant domain.Address
	Change      ParticipantChange
	Admin       bool
	Device      domain.DeviceID
}

func (s ParticipantChanged) SignalRoom() domain.Address { return s.Room }

type SubjectUpdated struct {
	Room    domain.Address
	Subject string
}

func (s SubjectUpdated) SignalRoom() domain.Address { return s.Room }

// MessageStateChanged reports an IMDN transition. Participant is empty for
// the room-level aggregate of the message.
type MessageStateChanged struct {
	Room        domain.Address
	MessageID   uuid.UUID
	Participant domain.Address
	State       domain.ImdnState
}

func (s MessageStateChanged) SignalRoom() domain.Address { return s.Room }

// RequestExpired tells the application that an outbound request received
// no corresponding event within the bounded window. The outcome is
// unknown; any speculative UI state must fall back to the last
// authoritative view.
type RequestExpired struct {
	Room domain.Address
	Kind string
}

func (s RequestExpired) SignalRoom() domain.Address { return s.Room }

// SyncDegraded warns that resynchronization kept failing past its error
// budget. The room keeps serving its last known-good view.
type SyncDegraded struct {
	Room domain.Address
	Err  error
}

func (s SyncDegraded) SignalRoom() domain.Address { return s.Room }
