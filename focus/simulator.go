package focus

import (
	"confsync/contract"
	"confsync/domain"
	"confsync/domain/event"
	ce "confsync/errors"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	subscriptionBuffer = 64
	invitationBuffer   = 16
)

// Simulator is an in-process conference focus. It owns the authoritative
// event history per conference, assigns sequence numbers, enforces admin
// rules on change requests and notifies subscribed devices. It stands in
// for the remote focus in tests and in the simulator binary.
type Simulator struct {
	mu          sync.Mutex
	log         *slog.Logger
	domainPart  string
	conferences map[domain.Address]*conference
	pairs       map[string]domain.Address
	devices     map[domain.DeviceID]*deviceState
	subs        []*subscription
}

var _ contract.IFocus = (*Simulator)(nil)

type conference struct {
	addr       domain.Address
	instance   uuid.UUID
	seq        uint64
	subject    string
	oneToOne   bool
	pairKey    string
	members    map[domain.Address]bool
	history    []event.ConferenceEvent
	terminated bool
}

type deviceState struct {
	owner   domain.Address
	online  bool
	invites chan contract.Invitation
	pending []contract.Invitation
}

type subscription struct {
	room   domain.Address
	device domain.DeviceID
	ch     chan contract.Notification
	dead   bool
}

func NewSimulator(domainPart string, log *slog.Logger) *Simulator {
	return &Simulator{
		log:         log,
		domainPart:  domainPart,
		conferences: make(map[domain.Address]*conference),
		pairs:       make(map[string]domain.Address),
		devices:     make(map[domain.DeviceID]*deviceState),
	}
}

// RegisterDevice declares a device and its owner. Registered devices
// receive invitations and appear in device-added events.
func (s *Simulator) RegisterDevice(owner domain.Address, device domain.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceLocked(owner, device)
}

// SetOnline toggles a device's connectivity. Going offline severs its
// live subscriptions; queued invitations are flushed on reconnection.
func (s *Simulator) SetOnline(device domain.DeviceID, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[device]
	if !ok {
		return
	}
	state.online = online
	if !online {
		for _, sub := range s.subs {
			if sub.device == device && !sub.dead {
				sub.dead = true
				close(sub.ch)
			}
		}
		s.pruneLocked()
		return
	}
	for _, inv := range state.pending {
		select {
		case state.invites <- inv:
		default:
		}
	}
	state.pending = nil
}

func (s *Simulator) Create(ctx context.Context, creator domain.Address, subject string, participants []domain.Address, oneToOne bool) (domain.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pairKey string
	if oneToOne && len(participants) == 1 {
		pairKey = pairOf(creator, participants[0])
		if addr, ok := s.pairs[pairKey]; ok {
			return addr, nil
		}
	}

	addr := domain.Address(fmt.Sprintf("sip:conference-%s@%s", uuid.NewString(), s.domainPart))
	conf := &conference{
		addr:     addr,
		instance: uuid.New(),
		subject:  subject,
		oneToOne: oneToOne,
		pairKey:  pairKey,
		members:  make(map[domain.Address]bool),
	}
	s.conferences[addr] = conf
	if pairKey != "" {
		s.pairs[pairKey] = addr
	}

	s.populateLocked(conf, creator, subject, participants)
	return addr, nil
}

// populateLocked seeds a fresh instance's history and invites every
// registered device of every member.
func (s *Simulator) populateLocked(conf *conference, creator domain.Address, subject string, participants []domain.Address) {
	conf.members[creator] = true
	s.broadcastLocked(conf, func(base event.Base) event.ConferenceEvent {
		return event.ConferenceCreated{Base: base, Creator: creator, Subject: subject}
	})
	for _, p := range participants {
		if _, ok := conf.members[p]; ok {
			continue
		}
		conf.members[p] = false
		s.broadcastLocked(conf, func(base event.Base) event.ConferenceEvent {
			return event.ParticipantAdded{Base: base, Participant: p}
		})
	}
	for member := range conf.members {
		for _, dev := range s.devicesOfLocked(member) {
			s.broadcastLocked(conf, func(base event.Base) event.ConferenceEvent {
				return event.DeviceAdded{Base: base, Participant: member, Device: dev}
			})
		}
	}
	s.inviteLocked(conf)
}

func (s *Simulator) Subscribe(ctx context.Context, room domain.Address, device domain.DeviceID, after uint64) (contract.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conf, ok := s.conferences[room]
	if !ok {
		return contract.Subscription{}, ce.ErrUnknownRoom
	}

	backlog := lo.Filter(conf.history, func(e event.ConferenceEvent, _ int) bool {
		return e.Sequence() > after
	})
	ch := make(chan contract.Notification, len(backlog)+subscriptionBuffer)
	for _, e := range backlog {
		ch <- contract.Notification{Room: room, Sequence: e.Sequence(), Event: e}
	}
	s.subs = append(s.subs, &subscription{room: room, device: device, ch: ch})
	return contract.Subscription{Instance: conf.instance, Events: ch}, nil
}

func (s *Simulator) FullState(ctx context.Context, room domain.Address) (contract.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conf, ok := s.conferences[room]
	if !ok {
		return contract.Snapshot{}, ce.ErrUnknownRoom
	}
	return contract.Snapshot{
		InstanceID: conf.instance,
		Events:     append([]event.ConferenceEvent(nil), conf.history...),
	}, nil
}

// Submit applies one change request. The focus is authoritative: requests
// from non-admins (other than leaving) are dropped without error, the
// caller finds out by never seeing a resulting event.
func (s *Simulator) Submit(ctx context.Context, req contract.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conf, ok := s.conferences[req.Room]
	if !ok {
		return ce.ErrUnknownRoom
	}
	admin, member := conf.members[req.From]
	if !member {
		return ce.ErrNotMember
	}

	switch req.Kind {
	case contract.RequestLeave:
		s.removeMemberLocked(conf, req.From)
	case contract.RequestAddParticipants:
		if !admin {
			s.dropLocked(req)
			return nil
		}
		for _, p := range req.Participants {
			if _, ok := conf.members[p]; ok {
				continue
			}
			conf.members[p] = false
			participant := p
			s.broadcastLocked(conf, func(base event.Base) event.ConferenceEvent {
				return event.ParticipantAdded{Base: base, Participant: participant}
			})
			for _, dev := range s.devicesOfLocked(participant) {
				device := dev
				s.broadcastLocked(conf, func(base event.Base) event.ConferenceEvent {
					return event.DeviceAdded{Base: base, Participant: participant, Device: device}
				})
			}
		}
		s.inviteLocked(conf)
	case contract.RequestRemoveParticipant:
		if !admin {
			s.dropLocked(req)
			return nil
		}
		if _, ok := conf.members[req.Participant]; ok {
			s.removeMemberLocked(conf, req.Participant)
		}
	case contract.RequestSetAdmin:
		if !admin {
			s.dropLocked(req)
			return nil
		}
		if current, ok := conf.members[req.Participant]; ok && current != req.Admin {
			conf.members[req.Participant] = req.Admin
			s.broadcastLocked(conf, func(base event.Base) event.ConferenceEvent {
				return event.AdminStatusChanged{Base: base, Participant: req.Participant, Admin: req.Admin}
			})
		}
	case contract.RequestSetSubject:
		if !admin {
			s.dropLocked(req)
			return nil
		}
		if conf.subject != req.Subject {
			conf.subject = req.Subject
			s.broadcastLocked(conf, func(base event.Base) event.ConferenceEvent {
				return event.SubjectChanged{Base: base, Subject: req.Subject}
			})
		}
	default:
		return fmt.Errorf("unsupported request kind %s", req.Kind)
	}
	return nil
}

func (s *Simulator) Invitations(ctx context.Context, device domain.DeviceID) (<-chan contract.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[device]
	if !ok {
		return nil, fmt.Errorf("device %s not registered", device)
	}
	return state.invites, nil
}

// Recreate restarts a terminated conference at the same address with a
// fresh instance identifier and a history starting over at sequence one.
// Devices still subscribed to the old instance are cut off so they
// resubscribe, notice the instance change and rebase.
func (s *Simulator) Recreate(room domain.Address, creator domain.Address, subject string, participants []domain.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conf, ok := s.conferences[room]
	if !ok {
		return ce.ErrUnknownRoom
	}
	conf.instance = uuid.New()
	conf.seq = 0
	conf.subject = subject
	conf.terminated = false
	conf.members = make(map[domain.Address]bool)
	conf.history = nil
	if conf.pairKey != "" {
		s.pairs[conf.pairKey] = room
	}
	for _, sub := range s.subs {
		if sub.room == room && !sub.dead {
			sub.dead = true
			close(sub.ch)
		}
	}
	s.pruneLocked()
	s.populateLocked(conf, creator, subject, participants)
	return nil
}

func (s *Simulator) removeMemberLocked(conf *conference, member domain.Address) {
	delete(conf.members, member)
	participant := member
	s.broadcastLocked(conf, func(base event.Base) event.ConferenceEvent {
		return event.ParticipantRemoved{Base: base, Participant: participant}
	})
	if len(conf.members) == 0 {
		conf.terminated = true
		if conf.pairKey != "" {
			delete(s.pairs, conf.pairKey)
		}
		s.log.Debug("conference terminated, all members left", slog.String("room", string(conf.addr)))
	}
}

// broadcastLocked assigns the next sequence, records the event and fans
// it out to live subscriptions. A subscription too slow to keep up is
// severed, resubscribing brings it back in sync.
func (s *Simulator) broadcastLocked(conf *conference, build func(event.Base) event.ConferenceEvent) {
	conf.seq++
	e := build(event.Base{Room: conf.addr, Seq: conf.seq, At: time.Now().UTC()})
	conf.history = append(conf.history, e)
	for _, sub := range s.subs {
		if sub.room != conf.addr || sub.dead {
			continue
		}
		select {
		case sub.ch <- contract.Notification{Room: conf.addr, Sequence: conf.seq, Event: e}:
		default:
			sub.dead = true
			close(sub.ch)
		}
	}
	s.pruneLocked()
}

func (s *Simulator) inviteLocked(conf *conference) {
	inv := contract.Invitation{Room: conf.addr, OneToOne: conf.oneToOne}
	for member := range conf.members {
		if conf.oneToOne {
			inv.Peer = s.peerOfLocked(conf, member)
		}
		for _, dev := range s.devicesOfLocked(member) {
			state := s.devices[dev]
			if !state.online {
				state.pending = append(state.pending, inv)
				continue
			}
			select {
			case state.invites <- inv:
			default:
				state.pending = append(state.pending, inv)
			}
		}
	}
}

func (s *Simulator) peerOfLocked(conf *conference, member domain.Address) domain.Address {
	for other := range conf.members {
		if other != member {
			return other
		}
	}
	return ""
}

func (s *Simulator) deviceLocked(owner domain.Address, device domain.DeviceID) *deviceState {
	state, ok := s.devices[device]
	if !ok {
		state = &deviceState{
			owner:   owner,
			online:  true,
			invites: make(chan contract.Invitation, invitationBuffer),
		}
		s.devices[device] = state
	}
	return state
}

func (s *Simulator) devicesOfLocked(owner domain.Address) []domain.DeviceID {
	var out []domain.DeviceID
	for id, state := range s.devices {
		if state.owner == owner {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Simulator) dropLocked(req contract.Request) {
	s.log.Debug("dropping request from non-admin",
		slog.String("kind", req.Kind.String()),
		slog.String("from", string(req.From)),
		slog.String("room", string(req.Room)))
}

func (s *Simulator) pruneLocked() {
	s.subs = lo.Filter(s.subs, func(sub *subscription, _ int) bool { return !sub.dead })
}

func pairOf(a, b domain.Address) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}
