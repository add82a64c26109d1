package domain

import "fmt"

// RoomState is the lifecycle state of a chat room as seen by the
// application. The focus is authoritative: states only change when the
// corresponding event round-trips, never speculatively.
type RoomState int

const (
	StateNone RoomState = iota
	StateInstantiated
	StateCreationPending
	StateCreated
	StateCreationFailed
	StateTerminationPending
	StateTerminated
	StateTerminationFailed
	StateDeleted
)

func (s RoomState) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateInstantiated:
		return "Instantiated"
	case StateCreationPending:
		return "CreationPending"
	case StateCreated:
		return "Created"
	case StateCreationFailed:
		return "CreationFailed"
	case StateTerminationPending:
		return "TerminationPending"
	case StateTerminated:
		return "Terminated"
	case StateTerminationFailed:
		return "TerminationFailed"
	case StateDeleted:
		return "Deleted"
	default:
		return fmt.Sprintf("RoomState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s RoomState) Terminal() bool {
	return s == StateDeleted
}

// Left reports whether the local user is no longer an active member.
// CreationFailed counts: the room never came to life.
func (s RoomState) Left() bool {
	return s == StateTerminated || s == StateDeleted || s == StateCreationFailed
}

// transitions lists the reachable states from each state. A room never
// goes back from Terminated to Created: recreation always builds a fresh
// room through the directory.
var transitions = map[RoomState][]RoomState{
	StateNone:               {StateInstantiated},
	StateInstantiated:       {StateCreationPending},
	StateCreationPending:    {StateCreated, StateCreationFailed},
	StateCreated:            {StateTerminationPending, StateTerminated, StateTerminationFailed},
	StateTerminationPending: {StateTerminated, StateTerminationFailed},
	StateTerminationFailed:  {StateTerminationPending, StateTerminated},
	StateTerminated:         {StateDeleted},
}

// CanTransition reports whether moving from s to next respects the room
// lifecycle.
func (s RoomState) CanTransition(next RoomState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Capability describes what a room supports. Capabilities are a bitset so
// a room can be, for instance, Conference|OneToOne.
type Capability uint8

const (
	CapabilityBasic Capability = 1 << iota
	CapabilityConference
	CapabilityOneToOne
	CapabilityMigratable
	CapabilityProxy
)

func (c Capability) Has(flag Capability) bool {
	return c&flag != 0
}

func (c Capability) With(flag Capability) Capability {
	return c | flag
}

func (c Capability) Without(flag Capability) Capability {
	return c &^ flag
}
