// Package imdn aggregates per-recipient delivery and read acknowledgements
// into participant-level and room-level message states.
//
// States are tracked per participant, not per device: one device
// acknowledging delivery is enough to advance its owner, and Displayed
// only moves on an explicit user-level read mark. Every state move is
// monotonic; NotDelivered is a terminal failure.
package imdn

import (
	"confsync/contract"
	"confsync/domain"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Transition is one observable state change. Participant is empty for the
// room-level aggregate of a message; MessageID is nil for a batched
// participant-level transition covering several messages.
type Transition struct {
	MessageID   uuid.UUID
	Participant domain.Address
	State       domain.ImdnState
}

// Ack is one outbound acknowledgement towards a peer. Read marks batch
// every unread message into a single Ack per peer.
type Ack struct {
	Peer     domain.Address
	State    domain.ImdnState
	Messages []uuid.UUID
}

// ParticipantState is one entry of a message's ordered recipient list.
type ParticipantState struct {
	Participant domain.Address
	State       domain.ImdnState
}

type recipient struct {
	state   domain.ImdnState
	devices map[domain.DeviceID]struct{}
}

type entry struct {
	order      []domain.Address
	recipients map[domain.Address]*recipient
	aggregate  domain.ImdnState
}

type inboundMsg struct {
	author    domain.Address
	delivered bool
	read      bool
}

type Aggregator struct {
	room      domain.Address
	log       *slog.Logger
	store     contract.IImdnStore
	reporting bool

	messages map[uuid.UUID]*entry
	order    []uuid.UUID

	inbound map[uuid.UUID]*inboundMsg
	inOrder []uuid.UUID
}

// NewAggregator creates an aggregator for one room. store may be nil for
// rooms whose IMDN state is not persisted.
func NewAggregator(room domain.Address, store contract.IImdnStore, log *slog.Logger, reporting bool) *Aggregator {
	return &Aggregator{
		room:      room,
		log:       log,
		store:     store,
		reporting: reporting,
		messages:  make(map[uuid.UUID]*entry),
		inbound:   make(map[uuid.UUID]*inboundMsg),
	}
}

// TrackOutgoing registers one sent message with its recipients, all
// starting at Sent.
func (a *Aggregator) TrackOutgoing(msgID uuid.UUID, recipients []domain.Address) error {
	if _, ok := a.messages[msgID]; ok {
		return nil
	}
	e := &entry{recipients: make(map[domain.Address]*recipient), aggregate: domain.ImdnSent}
	for _, p := range recipients {
		if _, ok := e.recipients[p]; ok {
			continue
		}
		e.recipients[p] = &recipient{state: domain.ImdnSent, devices: make(map[domain.DeviceID]struct{})}
		e.order = append(e.order, p)
	}
	a.messages[msgID] = e
	a.order = append(a.order, msgID)
	for _, p := range e.order {
		if err := a.persist(msgID, p, domain.ImdnSent, false); err != nil {
			return err
		}
	}
	return nil
}

// AckDelivered records a delivery acknowledgement from one device of a
// recipient. The first device advances the participant; further devices
// of the same participant are no-ops.
func (a *Aggregator) AckDelivered(msgID uuid.UUID, participant domain.Address, device domain.DeviceID) ([]Transition, error) {
	e, ok := a.messages[msgID]
	if !ok {
		return nil, nil
	}
	r, ok := e.recipients[participant]
	if !ok {
		return nil, nil
	}
	r.devices[device] = struct{}{}
	if !r.state.CanAdvance(domain.ImdnDeliveredToUser) {
		return nil, nil
	}
	r.state = domain.ImdnDeliveredToUser
	if err := a.persist(msgID, participant, r.state, false); err != nil {
		return nil, err
	}
	transitions := []Transition{{MessageID: msgID, Participant: participant, State: r.state}}
	transitions = append(transitions, a.evaluate(msgID, e)...)
	return transitions, nil
}

// ApplyReadAck applies one peer's aggregated read acknowledgement
// covering several messages. The participant-level transition is emitted
// once for the whole batch; aggregate transitions are per message.
func (a *Aggregator) ApplyReadAck(participant domain.Address, msgs []uuid.UUID) ([]Transition, error) {
	var transitions []Transition
	advanced := false
	for _, msgID := range msgs {
		e, ok := a.messages[msgID]
		if !ok {
			continue
		}
		r, ok := e.recipients[participant]
		if !ok {
			continue
		}
		if !r.state.CanAdvance(domain.ImdnDisplayed) {
			continue
		}
		r.state = domain.ImdnDisplayed
		advanced = true
		if err := a.persist(msgID, participant, r.state, false); err != nil {
			return transitions, err
		}
		transitions = append(transitions, a.evaluate(msgID, e)...)
	}
	if advanced {
		transitions = append([]Transition{{Participant: participant, State: domain.ImdnDisplayed}}, transitions...)
	}
	return transitions, nil
}

// MarkFailed flags a terminal delivery failure for one recipient. Failed
// recipients are excluded from aggregate quorums.
func (a *Aggregator) MarkFailed(msgID uuid.UUID, participant domain.Address) ([]Transition, error) {
	e, ok := a.messages[msgID]
	if !ok {
		return nil, nil
	}
	r, ok := e.recipients[participant]
	if !ok || !r.state.CanAdvance(domain.ImdnNotDelivered) {
		return nil, nil
	}
	r.state = domain.ImdnNotDelivered
	if err := a.persist(msgID, participant, r.state, false); err != nil {
		return nil, err
	}
	transitions := []Transition{{MessageID: msgID, Participant: participant, State: r.state}}
	transitions = append(transitions, a.evaluate(msgID, e)...)
	return transitions, nil
}

// RemoveParticipant drops a former member from every unresolved quorum.
// Aggregates that become complete as a result fire now.
func (a *Aggregator) RemoveParticipant(participant domain.Address) []Transition {
	var transitions []Transition
	for _, msgID := range a.order {
		e := a.messages[msgID]
		if _, ok := e.recipients[participant]; !ok {
			continue
		}
		delete(e.recipients, participant)
		for i, p := range e.order {
			if p == participant {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
		transitions = append(transitions, a.evaluate(msgID, e)...)
	}
	return transitions
}

// evaluate fires aggregate transitions once every live recipient reached
// the level. Each level fires at most once per message.
func (a *Aggregator) evaluate(msgID uuid.UUID, e *entry) []Transition {
	floor := domain.ImdnDisplayed
	live := 0
	for _, r := range e.recipients {
		if r.state == domain.ImdnNotDelivered {
			continue
		}
		live++
		if r.state < floor {
			floor = r.state
		}
	}
	if live == 0 {
		return nil
	}
	var transitions []Transition
	for _, level := range []domain.ImdnState{domain.ImdnDeliveredToUser, domain.ImdnDisplayed} {
		if floor >= level && e.aggregate < level {
			e.aggregate = level
			transitions = append(transitions, Transition{MessageID: msgID, State: level})
		}
	}
	return transitions
}

// TrackIncoming registers a received message and returns the delivery
// acknowledgement to send, or nothing while reporting is disabled; the
// ack is then deferred until reporting comes back.
func (a *Aggregator) TrackIncoming(msgID uuid.UUID, author domain.Address) ([]Ack, error) {
	if _, ok := a.inbound[msgID]; ok {
		return nil, nil
	}
	m := &inboundMsg{author: author}
	a.inbound[msgID] = m
	a.inOrder = append(a.inOrder, msgID)
	if err := a.persist(msgID, author, domain.ImdnSent, true); err != nil {
		return nil, err
	}
	if !a.reporting {
		a.log.Debug(fmt.Sprintf("IMDN reporting disabled, deferring delivery ack for %s", msgID))
		return nil, nil
	}
	m.delivered = true
	if err := a.persist(msgID, author, domain.ImdnDeliveredToUser, true); err != nil {
		return nil, err
	}
	return []Ack{{Peer: author, State: domain.ImdnDeliveredToUser, Messages: []uuid.UUID{msgID}}}, nil
}

// SetReporting toggles IMDN reporting. Enabling it flushes the deferred
// delivery acknowledgements of every message received while it was off,
// grouped into one Ack per author.
func (a *Aggregator) SetReporting(enabled bool) ([]Ack, error) {
	a.reporting = enabled
	if !enabled {
		return nil, nil
	}
	grouped := make(map[domain.Address][]uuid.UUID)
	var authors []domain.Address
	for _, msgID := range a.inOrder {
		m := a.inbound[msgID]
		if m.delivered {
			continue
		}
		m.delivered = true
		if err := a.persist(msgID, m.author, domain.ImdnDeliveredToUser, true); err != nil {
			return nil, err
		}
		if _, ok := grouped[m.author]; !ok {
			authors = append(authors, m.author)
		}
		grouped[m.author] = append(grouped[m.author], msgID)
	}
	var acks []Ack
	for _, author := range authors {
		acks = append(acks, Ack{Peer: author, State: domain.ImdnDeliveredToUser, Messages: grouped[author]})
	}
	return acks, nil
}

// MarkRoomRead elevates every unread received message to Displayed in one
// logical step and returns one aggregated acknowledgement per peer.
func (a *Aggregator) MarkRoomRead() ([]Ack, error) {
	grouped := make(map[domain.Address][]uuid.UUID)
	var authors []domain.Address
	for _, msgID := range a.inOrder {
		m := a.inbound[msgID]
		if m.read {
			continue
		}
		m.read = true
		m.delivered = true
		if err := a.persist(msgID, m.author, domain.ImdnDisplayed, true); err != nil {
			return nil, err
		}
		if _, ok := grouped[m.author]; !ok {
			authors = append(authors, m.author)
		}
		grouped[m.author] = append(grouped[m.author], msgID)
	}
	var acks []Ack
	for _, author := range authors {
		acks = append(acks, Ack{Peer: author, State: domain.ImdnDisplayed, Messages: grouped[author]})
	}
	return acks, nil
}

// UnreadCount reports how many received messages are not read yet.
func (a *Aggregator) UnreadCount() int {
	n := 0
	for _, m := range a.inbound {
		if !m.read {
			n++
		}
	}
	return n
}

// StatesOf returns the ordered recipient list of one outgoing message.
func (a *Aggregator) StatesOf(msgID uuid.UUID) []ParticipantState {
	e, ok := a.messages[msgID]
	if !ok {
		return nil
	}
	out := make([]ParticipantState, 0, len(e.order))
	for _, p := range e.order {
		out = append(out, ParticipantState{Participant: p, State: e.recipients[p].state})
	}
	return out
}

// AggregateState returns the highest room-level state the message reached.
func (a *Aggregator) AggregateState(msgID uuid.UUID) domain.ImdnState {
	e, ok := a.messages[msgID]
	if !ok {
		return domain.ImdnSent
	}
	return e.aggregate
}

// Restore rebuilds the aggregator from persisted records, typically after
// a restart. Deferred delivery acks survive: messages persisted as
// inbound Sent are still unacknowledged.
func (a *Aggregator) Restore(records []contract.ImdnRecord) {
	for _, rec := range records {
		if rec.Inbound {
			m, ok := a.inbound[rec.Message]
			if !ok {
				m = &inboundMsg{author: rec.Participant}
				a.inbound[rec.Message] = m
				a.inOrder = append(a.inOrder, rec.Message)
			}
			if rec.State >= domain.ImdnDeliveredToUser {
				m.delivered = true
			}
			if rec.State == domain.ImdnDisplayed {
				m.read = true
			}
			continue
		}
		e, ok := a.messages[rec.Message]
		if !ok {
			e = &entry{recipients: make(map[domain.Address]*recipient), aggregate: domain.ImdnSent}
			a.messages[rec.Message] = e
			a.order = append(a.order, rec.Message)
		}
		r, ok := e.recipients[rec.Participant]
		if !ok {
			r = &recipient{devices: make(map[domain.DeviceID]struct{})}
			e.recipients[rec.Participant] = r
			e.order = append(e.order, rec.Participant)
		}
		r.state = rec.State
	}
	// Recompute aggregates silently: restored history fired its
	// transitions before the restart.
	for _, msgID := range a.order {
		a.evaluate(msgID, a.messages[msgID])
	}
}

func (a *Aggregator) persist(msg uuid.UUID, participant domain.Address, st domain.ImdnState, inbound bool) error {
	if a.store == nil {
		return nil
	}
	rec := contract.ImdnRecord{Message: msg, Participant: participant, State: st, Inbound: inbound}
	if err := a.store.SaveState(a.room, rec); err != nil {
		return fmt.Errorf("persisting imdn state of %s: %w", msg, err)
	}
	return nil
}
