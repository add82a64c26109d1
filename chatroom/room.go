// Package chatroom implements the room state machine exposed to the
// application. A room owns one event log and derives its roster and IMDN
// view from it; the remote focus stays authoritative for every change.
package chatroom

import (
	"confsync/contract"
	"confsync/domain"
	"confsync/domain/event"
	ce "confsync/errors"
	"confsync/eventlog"
	"confsync/imdn"
	"confsync/projection"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Params gathers everything a room needs at construction.
type Params struct {
	Local    domain.Address
	Device   domain.DeviceID
	Address  domain.Address
	Peer     domain.Address
	Caps     domain.Capability
	Events   contract.IEventStore
	Imdn     contract.IImdnStore
	Messages contract.IMessageStore
	Log      *slog.Logger

	// ImdnReporting starts the aggregator with reporting on or off.
	ImdnReporting bool
}

type Room struct {
	mu      sync.Mutex
	log     *slog.Logger
	local   domain.Address
	device  domain.DeviceID
	address domain.Address
	peer    domain.Address

	state     domain.RoomState
	caps      domain.Capability
	subject   string
	createdAt time.Time
	instance  uuid.UUID

	events     *eventlog.Log
	eventStore contract.IEventStore
	roster     *projection.Roster
	imdn       *imdn.Aggregator
	messages   contract.IMessageStore

	sender contract.IRequestSender
	sinks  []contract.SignalSink
}

func NewRoom(p Params) *Room {
	return &Room{
		log:        p.Log,
		local:      p.Local,
		device:     p.Device,
		address:    p.Address,
		peer:       p.Peer,
		state:      domain.StateNone,
		caps:       p.Caps,
		createdAt:  time.Now().UTC(),
		events:     eventlog.New(p.Address, p.Events, p.Log),
		eventStore: p.Events,
		roster:     projection.NewRoster(),
		imdn:       imdn.NewAggregator(p.Address, p.Imdn, p.Log, p.ImdnReporting),
		messages:   p.Messages,
	}
}

// AttachSender wires the outbound request path, normally the room's
// synchronizer. Basic point-to-point rooms have none.
func (r *Room) AttachSender(s contract.IRequestSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = s
}

func (r *Room) AttachSink(s contract.SignalSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Create starts the room lifecycle. A conference room stays
// CreationPending until the focus's ConferenceCreated event rounds back
// through the synchronizer; a basic room needs no confirmation and comes
// up Created right away.
func (r *Room) Create(ctx context.Context, subject string) error {
	r.mu.Lock()
	sigs, err := r.createLocked(subject)
	r.mu.Unlock()
	r.emit(ctx, sigs...)
	return err
}

func (r *Room) createLocked(subject string) ([]event.Signal, error) {
	if r.state != domain.StateNone {
		return nil, fmt.Errorf("%w: from %s", ce.ErrInvalidTransition, r.state)
	}
	var sigs []event.Signal
	r.setState(domain.StateInstantiated, &sigs)
	r.setState(domain.StateCreationPending, &sigs)

	if !r.caps.Has(domain.CapabilityConference) {
		// Point-to-point: nothing to wait for.
		r.subject = subject
		r.setState(domain.StateCreated, &sigs)
	}
	return sigs, nil
}

// FailCreation reports a terminal creation failure. It is surfaced once;
// the directory never retries it automatically.
func (r *Room) FailCreation(ctx context.Context) {
	r.mu.Lock()
	var sigs []event.Signal
	r.setState(domain.StateCreationFailed, &sigs)
	r.mu.Unlock()
	r.emit(ctx, sigs...)
}

// ApplyEvent folds one authoritative event into the room: append to the
// log, update the roster, move the state machine, raise signals. Duplicate
// and out-of-order sequences are rejected with the log's sentinel errors
// so the synchronizer can discard or buffer them.
func (r *Room) ApplyEvent(ctx context.Context, e event.ConferenceEvent) error {
	r.mu.Lock()
	sigs, err := r.applyLocked(e)
	r.mu.Unlock()
	r.emit(ctx, sigs...)
	return err
}

func (r *Room) applyLocked(e event.ConferenceEvent) ([]event.Signal, error) {
	wasMember := func(a domain.Address) bool {
		_, ok := r.roster.FindParticipant(a)
		return ok
	}

	var sigs []event.Signal
	switch evt := e.(type) {
	case event.ConferenceCreated:
		if err := r.events.Append(e); err != nil {
			return nil, err
		}
		r.roster.Apply(e)
		r.subject = evt.Subject
		r.forceCreated(&sigs)
		sigs = append(sigs, event.ParticipantChanged{
			Room: r.address, Participant: evt.Creator, Change: event.ParticipantJoined,
		})
		if evt.Subject != "" {
			sigs = append(sigs, event.SubjectUpdated{Room: r.address, Subject: evt.Subject})
		}

	case event.ConferenceJoined:
		known := wasMember(evt.Participant)
		if err := r.events.Append(e); err != nil {
			return nil, err
		}
		r.roster.Apply(e)
		if !known {
			sigs = append(sigs, event.ParticipantChanged{
				Room: r.address, Participant: evt.Participant, Change: event.ParticipantJoined,
			})
		}

	case event.ParticipantAdded:
		known := wasMember(evt.Participant)
		if err := r.events.Append(e); err != nil {
			return nil, err
		}
		r.roster.Apply(e)
		if !known {
			sigs = append(sigs, event.ParticipantChanged{
				Room: r.address, Participant: evt.Participant, Change: event.ParticipantJoined,
			})
		}

	case event.ParticipantRemoved:
		if err := r.events.Append(e); err != nil {
			return nil, err
		}
		r.roster.Apply(e)
		sigs = append(sigs, event.ParticipantChanged{
			Room: r.address, Participant: evt.Participant, Change: event.ParticipantLeft,
		})
		if evt.Participant == r.local {
			// Either our own leave confirmation or an admin removed us.
			r.setState(domain.StateTerminated, &sigs)
		} else {
			for _, tr := range r.imdn.RemoveParticipant(evt.Participant) {
				sigs = append(sigs, r.toMessageSignal(tr))
			}
		}

	case event.AdminStatusChanged:
		member := wasMember(evt.Participant)
		if err := r.events.Append(e); err != nil {
			return nil, err
		}
		r.roster.Apply(e)
		if member {
			sigs = append(sigs, event.ParticipantChanged{
				Room: r.address, Participant: evt.Participant,
				Change: event.ParticipantAdminChanged, Admin: evt.Admin,
			})
		}

	case event.SubjectChanged:
		if err := r.events.Append(e); err != nil {
			return nil, err
		}
		r.subject = evt.Subject
		sigs = append(sigs, event.SubjectUpdated{Room: r.address, Subject: evt.Subject})

	case event.DeviceAdded:
		member := wasMember(evt.Participant)
		if err := r.events.Append(e); err != nil {
			return nil, err
		}
		r.roster.Apply(e)
		if member {
			sigs = append(sigs, event.ParticipantChanged{
				Room: r.address, Participant: evt.Participant,
				Change: event.ParticipantDeviceAdded, Device: evt.Device,
			})
		}

	default:
		if err := r.events.Append(e); err != nil {
			return nil, err
		}
		r.roster.Apply(e)
	}
	return sigs, nil
}

// Resync reconciles the room with a full-state snapshot. When the focus
// recreated the conference the whole history is rebased; otherwise only
// the missing tail is applied, so no signal fires twice for the portion
// the application already saw.
func (r *Room) Resync(ctx context.Context, snap contract.Snapshot, recreated bool) error {
	if !recreated {
		for _, e := range snap.Events {
			if e.Sequence() <= r.LastSequence() {
				continue
			}
			if err := r.ApplyEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}

	r.mu.Lock()
	oldState, oldSubject := r.state, r.subject
	if err := r.events.Rebase(snap.Events); err != nil {
		r.mu.Unlock()
		return err
	}
	r.roster = projection.FromLog(r.events)
	r.subject = ""
	for _, e := range snap.Events {
		switch evt := e.(type) {
		case event.ConferenceCreated:
			r.subject = evt.Subject
		case event.SubjectChanged:
			r.subject = evt.Subject
		}
	}
	var sigs []event.Signal
	if _, stillMember := r.roster.FindParticipant(r.local); stillMember {
		r.forceCreated(&sigs)
	} else if oldState == domain.StateCreated || oldState == domain.StateTerminationPending {
		r.setState(domain.StateTerminated, &sigs)
	}
	if r.subject != oldSubject {
		sigs = append(sigs, event.SubjectUpdated{Room: r.address, Subject: r.subject})
	}
	r.mu.Unlock()
	r.emit(ctx, sigs...)
	return nil
}

// Leave asks the focus to remove the local user. The room terminates only
// when the ParticipantRemoved event rounds back; incoming notifications
// keep being applied meanwhile.
func (r *Room) Leave(ctx context.Context) error {
	r.mu.Lock()
	if r.state != domain.StateCreated {
		r.mu.Unlock()
		return fmt.Errorf("%w: leave from %s", ce.ErrInvalidTransition, r.state)
	}
	var sigs []event.Signal
	r.setState(domain.StateTerminationPending, &sigs)
	sender := r.sender
	r.mu.Unlock()
	r.emit(ctx, sigs...)

	if sender == nil {
		// Basic room: no focus involved, terminate locally.
		r.mu.Lock()
		var more []event.Signal
		r.setState(domain.StateTerminated, &more)
		r.mu.Unlock()
		r.emit(ctx, more...)
		return nil
	}
	return sender.Send(ctx, contract.Request{
		Kind: contract.RequestLeave, Room: r.address, From: r.local, Participant: r.local,
	})
}

// Delete garbage-collects a terminated room.
func (r *Room) Delete(ctx context.Context) error {
	r.mu.Lock()
	if r.state != domain.StateTerminated {
		r.mu.Unlock()
		return fmt.Errorf("%w: delete from %s", ce.ErrInvalidTransition, r.state)
	}
	var sigs []event.Signal
	r.setState(domain.StateDeleted, &sigs)
	r.mu.Unlock()
	r.emit(ctx, sigs...)
	return nil
}

// AddParticipants, RemoveParticipant, SetSubject and SetParticipantAdmin
// are requests only. The focus may silently ignore them (e.g. from a
// non-admin); nothing changes locally until an event rounds back.

func (r *Room) AddParticipants(ctx context.Context, participants []domain.Address) error {
	return r.request(ctx, contract.Request{
		Kind: contract.RequestAddParticipants, Participants: participants,
	})
}

func (r *Room) RemoveParticipant(ctx context.Context, p domain.Address) error {
	return r.request(ctx, contract.Request{
		Kind: contract.RequestRemoveParticipant, Participant: p,
	})
}

func (r *Room) SetSubject(ctx context.Context, subject string) error {
	return r.request(ctx, contract.Request{
		Kind: contract.RequestSetSubject, Subject: subject,
	})
}

func (r *Room) SetParticipantAdmin(ctx context.Context, p domain.Address, admin bool) error {
	return r.request(ctx, contract.Request{
		Kind: contract.RequestSetAdmin, Participant: p, Admin: admin,
	})
}

func (r *Room) request(ctx context.Context, req contract.Request) error {
	r.mu.Lock()
	if r.state != domain.StateCreated {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s from %s", ce.ErrInvalidTransition, req.Kind, r.state)
	}
	sender := r.sender
	r.mu.Unlock()
	if sender == nil {
		return ce.ErrFocusUnreachable
	}
	req.Room = r.address
	req.From = r.local
	return sender.Send(ctx, req)
}

// SendMessage stores an outgoing message and starts tracking its
// per-recipient delivery states.
func (r *Room) SendMessage(ctx context.Context, content string) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.StateCreated {
		return domain.Message{}, fmt.Errorf("%w: send from %s", ce.ErrInvalidTransition, r.state)
	}
	msg := domain.Message{
		ID:      uuid.New(),
		Author:  r.local,
		Content: content,
		SentAt:  time.Now().UTC(),
	}
	if r.messages != nil {
		if err := r.messages.StoreMessage(r.address, msg); err != nil {
			return domain.Message{}, err
		}
	}
	if err := r.imdn.TrackOutgoing(msg.ID, r.recipientsLocked()); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// recipientsLocked lists everyone but the local user. A basic room has an
// empty roster; the single peer is the recipient.
func (r *Room) recipientsLocked() []domain.Address {
	var out []domain.Address
	for _, a := range r.roster.Addresses() {
		if a != r.local {
			out = append(out, a)
		}
	}
	if len(out) == 0 && r.peer != "" {
		out = append(out, r.peer)
	}
	return out
}

// ReceiveMessage stores an incoming message and returns the delivery
// acknowledgement(s) the transport should carry back, if reporting is on.
func (r *Room) ReceiveMessage(ctx context.Context, msg domain.Message) ([]imdn.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages != nil {
		if err := r.messages.StoreMessage(r.address, msg); err != nil {
			return nil, err
		}
	}
	return r.imdn.TrackIncoming(msg.ID, msg.Author)
}

// MarkAsRead elevates all unread messages to Displayed in one step and
// returns one aggregated acknowledgement per peer.
func (r *Room) MarkAsRead(ctx context.Context) ([]imdn.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.imdn.MarkRoomRead()
}

// SetImdnReporting toggles IMDN reporting, returning the deferred
// delivery acknowledgements to flush when it turns on.
func (r *Room) SetImdnReporting(enabled bool) ([]imdn.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.imdn.SetReporting(enabled)
}

// RestoreHistory rebuilds the room from persisted events after a
// restart, without raising signals: the application already saw this
// history in a previous run. The replayed log outranks the snapshot
// hints: a leave confirmation or rename applied after the last snapshot
// write exists only in the log. Rooms with no focus history (basic
// point-to-point ones) keep the snapshot values.
func (r *Room) RestoreHistory(state domain.RoomState, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eventStore == nil {
		return nil
	}
	events, err := eventlog.Load(r.address, r.eventStore, r.log)
	if err != nil {
		return err
	}
	r.events = events
	r.roster = projection.FromLog(events)
	r.state = state
	r.subject = subject
	if events.Len() == 0 {
		return nil
	}
	events.Replay(func(e event.ConferenceEvent) {
		switch evt := e.(type) {
		case event.ConferenceCreated:
			r.subject = evt.Subject
		case event.SubjectChanged:
			r.subject = evt.Subject
		}
	})
	if _, member := r.roster.FindParticipant(r.local); member {
		r.state = domain.StateCreated
	} else {
		r.state = domain.StateTerminated
	}
	return nil
}

// RestoreImdn reloads persisted delivery states after a restart.
func (r *Room) RestoreImdn(records []contract.ImdnRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imdn.Restore(records)
}

// HandleDeliveryAck processes one peer device's delivery acknowledgement.
func (r *Room) HandleDeliveryAck(ctx context.Context, msgID uuid.UUID, participant domain.Address, device domain.DeviceID) error {
	r.mu.Lock()
	transitions, err := r.imdn.AckDelivered(msgID, participant, device)
	sigs := r.messageSignals(transitions)
	r.mu.Unlock()
	r.emit(ctx, sigs...)
	return err
}

// HandleReadAck processes one peer's aggregated read acknowledgement.
func (r *Room) HandleReadAck(ctx context.Context, participant domain.Address, msgs []uuid.UUID) error {
	r.mu.Lock()
	transitions, err := r.imdn.ApplyReadAck(participant, msgs)
	sigs := r.messageSignals(transitions)
	r.mu.Unlock()
	r.emit(ctx, sigs...)
	return err
}

// HandleDeliveryFailure records a terminal NotDelivered for one recipient.
func (r *Room) HandleDeliveryFailure(ctx context.Context, msgID uuid.UUID, participant domain.Address) error {
	r.mu.Lock()
	transitions, err := r.imdn.MarkFailed(msgID, participant)
	sigs := r.messageSignals(transitions)
	r.mu.Unlock()
	r.emit(ctx, sigs...)
	return err
}

// Messages pages through the room history, newest first.
func (r *Room) Messages(cursor *string) ([]domain.Message, *string, error) {
	if r.messages == nil {
		return nil, nil, nil
	}
	return r.messages.GetMessages(r.address, cursor)
}

// SearchMessages runs a full-text query over the room history.
func (r *Room) SearchMessages(query string, limit int) ([]domain.Message, error) {
	if r.messages == nil {
		return nil, nil
	}
	return r.messages.Search(r.address, query, limit)
}

// MarkStale reports a synchronization failure past the resync budget. The
// last known-good view stays served; a pending termination degrades to
// TerminationFailed.
func (r *Room) MarkStale(ctx context.Context, err error) {
	r.mu.Lock()
	var sigs []event.Signal
	sigs = append(sigs, event.SyncDegraded{Room: r.address, Err: err})
	if r.state == domain.StateTerminationPending {
		r.setState(domain.StateTerminationFailed, &sigs)
	}
	r.mu.Unlock()
	r.emit(ctx, sigs...)
}

// RequestExpired reports an outbound request with no round-tripped event
// within the bounded window: outcome unknown, fall back to authoritative
// state.
func (r *Room) RequestExpired(ctx context.Context, kind contract.RequestKind) {
	r.emit(ctx, event.RequestExpired{Room: r.address, Kind: kind.String()})
}

func (r *Room) Address() domain.Address { return r.address }
func (r *Room) Local() domain.Address   { return r.local }
func (r *Room) Device() domain.DeviceID { return r.device }

func (r *Room) Peer() domain.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

func (r *Room) State() domain.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) Subject() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subject
}

func (r *Room) Capabilities() domain.Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caps
}

func (r *Room) HasCapability(c domain.Capability) bool {
	return r.Capabilities().Has(c)
}

// DropMigratable clears the Migratable flag once migration succeeded and
// marks the old room as a proxy towards its replacement.
func (r *Room) DropMigratable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps = r.caps.Without(domain.CapabilityMigratable).With(domain.CapabilityProxy)
}

func (r *Room) HasBeenLeft() bool {
	return r.State().Left()
}

// Instance identifies the conference incarnation this room's history
// belongs to. It survives restarts through the directory snapshot, so a
// focus-side recreation that happened while the client was down is still
// detected on the first resubscription.
func (r *Room) Instance() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instance
}

func (r *Room) SetInstance(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instance = id
}

func (r *Room) CreatedAt() time.Time { return r.createdAt }

func (r *Room) LastSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events.LastSequence()
}

// Roster returns a point-in-time copy of the registry, safe to read
// while the synchronizer keeps applying events to the live one.
func (r *Room) Roster() *projection.Roster {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roster.Clone()
}

// MessageStates returns the ordered per-recipient states of one message.
func (r *Room) MessageStates(msgID uuid.UUID) []imdn.ParticipantState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.imdn.StatesOf(msgID)
}

func (r *Room) AggregateState(msgID uuid.UUID) domain.ImdnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.imdn.AggregateState(msgID)
}

func (r *Room) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.imdn.UnreadCount()
}

// setState moves the state machine, recording the signal. Illegal
// transitions are a defect of the caller and only logged.
func (r *Room) setState(next domain.RoomState, sigs *[]event.Signal) {
	if r.state == next {
		return
	}
	if !r.state.CanTransition(next) {
		r.log.Warn("Illegal room state transition ignored",
			"room", string(r.address), "from", r.state.String(), "to", next.String())
		return
	}
	old := r.state
	r.state = next
	*sigs = append(*sigs, event.RoomStateChanged{Room: r.address, Old: old, New: next})
}

// forceCreated walks a freshly invited room through its whole creation
// path. Rooms we created ourselves are already CreationPending.
func (r *Room) forceCreated(sigs *[]event.Signal) {
	for _, hop := range []domain.RoomState{
		domain.StateInstantiated, domain.StateCreationPending, domain.StateCreated,
	} {
		if r.state < hop {
			r.setState(hop, sigs)
		}
	}
}

func (r *Room) toMessageSignal(tr imdn.Transition) event.Signal {
	return event.MessageStateChanged{
		Room: r.address, MessageID: tr.MessageID, Participant: tr.Participant, State: tr.State,
	}
}

func (r *Room) messageSignals(transitions []imdn.Transition) []event.Signal {
	out := make([]event.Signal, 0, len(transitions))
	for _, tr := range transitions {
		out = append(out, r.toMessageSignal(tr))
	}
	return out
}

func (r *Room) emit(ctx context.Context, sigs ...event.Signal) {
	if len(sigs) == 0 {
		return
	}
	r.mu.Lock()
	sinks := append([]contract.SignalSink(nil), r.sinks...)
	r.mu.Unlock()
	for _, sig := range sigs {
		for _, sink := range sinks {
			if err := sink.Consume(ctx, sig); err != nil {
				r.log.Warn("Signal sink failed", "room", string(r.address), "error", err)
			}
		}
	}
}
