// Package event defines the authoritative conference events emitted by the
// focus, plus the signals the engine raises towards application sinks.
// Events are immutable once appended to a room's log.
package event

import (
	"confsync/domain"
	"time"
)

// ConferenceEvent is the tagged variant over everything the focus may
// notify about a room. Each event carries a per-room sequence number;
// within one room, events are applied in non-decreasing sequence order.
type ConferenceEvent interface {
	Conference() domain.Address
	Sequence() uint64
	OccurredAt() time.Time
}

// Base carries the fields common to every conference event.
type Base struct {
	Room domain.Address
	Seq  uint64
	At   time.Time
}

func (b Base) Conference() domain.Address { return b.Room }
func (b Base) Sequence() uint64           { return b.Seq }
func (b Base) OccurredAt() time.Time      { return b.At }

// ConferenceCreated opens a room's history. The creator starts as admin.
// A second ConferenceCreated for the same address means the focus
// recreated the conference instance: local history is rebased on it.
type ConferenceCreated struct {
	Base
	Creator domain.Address
	Subject string
}

// ConferenceJoined confirms the local identity's admission.
type ConferenceJoined struct {
	Base
	Participant domain.Address
}

type ParticipantAdded struct {
	Base
	Participant domain.Address
}

type ParticipantRemoved struct {
	Base
	Participant domain.Address
}

// AdminStatusChanged is the only way a participant's admin flag moves.
type AdminStatusChanged struct {
	Base
	Participant domain.Address
	Admin       bool
}

type SubjectChanged struct {
	Base
	Subject string
}

// DeviceAdded attaches a device to an existing participant. It never
// creates the participant itself.
type DeviceAdded struct {
	Base
	Participant domain.Address
	Device      domain.DeviceID
}
