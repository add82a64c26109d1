// Package domain contains core concepts of the conference chat engine.
// This file defines Participant entities and related invariants.
// No runtime, network, or UI logic should be added here.
package domain

// ParticipantDevice is one device instance of a participant. Devices come
// and go independently of their owner's membership.
type ParticipantDevice struct {
	Owner Address
	ID    DeviceID
}

// Participant is one member of a room. Admin is a property of the
// identity: adding a device never changes it, and only an authoritative
// AdminStatusChanged event may flip it.
type Participant struct {
	Address Address
	Admin   bool
	Devices []ParticipantDevice
}

func (p Participant) HasDevice(id DeviceID) bool {
	for _, d := range p.Devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate projection state.
func (p Participant) Clone() Participant {
	out := p
	out.Devices = append([]ParticipantDevice(nil), p.Devices...)
	return out
}
