// Package projection builds local views from applied conference events.
// Views are pure folds: the state at sequence N is always reproducible by
// replaying events 0..N from the log. They expose no mutators besides
// Apply, so every write goes through the event log first.
package projection

import (
	"confsync/domain"
	"confsync/domain/event"
	"confsync/eventlog"
)

// Roster is the participant/device registry of one room.
type Roster struct {
	order   []domain.Address
	members map[domain.Address]*domain.Participant
}

func NewRoster() *Roster {
	return &Roster{members: make(map[domain.Address]*domain.Participant)}
}

// FromLog rebuilds the roster by full replay.
func FromLog(l *eventlog.Log) *Roster {
	r := NewRoster()
	l.Replay(func(e event.ConferenceEvent) { r.Apply(e) })
	return r
}

// Clone returns a deep copy, detached from any later Apply.
func (r *Roster) Clone() *Roster {
	out := NewRoster()
	out.order = append([]domain.Address(nil), r.order...)
	for a, p := range r.members {
		c := p.Clone()
		out.members[a] = &c
	}
	return out
}

// RosterAt rebuilds the roster as it stood after the given sequence,
// by partial replay.
func RosterAt(l *eventlog.Log, seq uint64) *Roster {
	r := NewRoster()
	l.Replay(func(e event.ConferenceEvent) {
		if e.Sequence() <= seq {
			r.Apply(e)
		}
	})
	return r
}

// Apply folds one event into the roster. Invalid targets (devices of
// unknown participants, admin changes on non-members) are no-ops: the
// synchronizer boundary already rejected malformed sequences, and the
// focus may legitimately reference members we removed concurrently.
func (r *Roster) Apply(e event.ConferenceEvent) {
	switch evt := e.(type) {
	case event.ConferenceCreated:
		p := r.add(evt.Creator)
		p.Admin = true
	case event.ConferenceJoined:
		r.add(evt.Participant)
	case event.ParticipantAdded:
		r.add(evt.Participant)
	case event.ParticipantRemoved:
		r.remove(evt.Participant)
	case event.AdminStatusChanged:
		if p, ok := r.members[evt.Participant]; ok {
			p.Admin = evt.Admin
		}
	case event.DeviceAdded:
		p, ok := r.members[evt.Participant]
		if !ok {
			return
		}
		if !p.HasDevice(evt.Device) {
			p.Devices = append(p.Devices, domain.ParticipantDevice{Owner: evt.Participant, ID: evt.Device})
		}
	}
}

func (r *Roster) add(a domain.Address) *domain.Participant {
	if p, ok := r.members[a]; ok {
		return p
	}
	p := &domain.Participant{Address: a}
	r.members[a] = p
	r.order = append(r.order, a)
	return p
}

func (r *Roster) remove(a domain.Address) {
	if _, ok := r.members[a]; !ok {
		return
	}
	delete(r.members, a)
	for i, addr := range r.order {
		if addr == a {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Roster) FindParticipant(a domain.Address) (domain.Participant, bool) {
	p, ok := r.members[a]
	if !ok {
		return domain.Participant{}, false
	}
	return p.Clone(), true
}

func (r *Roster) IsAdmin(a domain.Address) bool {
	p, ok := r.members[a]
	return ok && p.Admin
}

func (r *Roster) DeviceCount(a domain.Address) int {
	p, ok := r.members[a]
	if !ok {
		return 0
	}
	return len(p.Devices)
}

// Participants returns copies in insertion order.
func (r *Roster) Participants() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.order))
	for _, a := range r.order {
		out = append(out, r.members[a].Clone())
	}
	return out
}

func (r *Roster) Count() int { return len(r.members) }

// Addresses returns member addresses in insertion order.
func (r *Roster) Addresses() []domain.Address {
	return append([]domain.Address(nil), r.order...)
}
