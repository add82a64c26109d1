package workers

import (
	"confsync/chatroom"
	"confsync/contract"
	"confsync/domain/event"
	ce "confsync/errors"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Synchronizer keeps one room's event log current with the remote focus.
// It is the only writer of the room's log: notifications are applied in
// sequence order, duplicates are discarded, gaps are buffered while a
// full-state resynchronization fills them in.
//
// It also implements contract.IRequestSender: outbound change requests
// are tracked until the corresponding event rounds back, and reported as
// expired (outcome unknown) after the bounded window.
type Synchronizer struct {
	log            *slog.Logger
	room           *chatroom.Room
	focus          contract.IFocus
	requestTimeout time.Duration
	resyncBudget   int

	mu       sync.Mutex
	buffer   map[uint64]event.ConferenceEvent
	pending  []pendingRequest
	failures int
}

type pendingRequest struct {
	kind        contract.RequestKind
	participant string
	deadline    time.Time
}

func NewSynchronizer(room *chatroom.Room, focus contract.IFocus, log *slog.Logger,
	requestTimeout time.Duration, resyncBudget int) *Synchronizer {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	if resyncBudget <= 0 {
		resyncBudget = 3
	}
	return &Synchronizer{
		log:            log,
		room:           room,
		focus:          focus,
		requestTimeout: requestTimeout,
		resyncBudget:   resyncBudget,
		buffer:         make(map[uint64]event.ConferenceEvent),
	}
}

func (s *Synchronizer) Run(ctx context.Context) error {
	if s.room.HasBeenLeft() {
		// Nothing left to synchronize; retire instead of resubscribing.
		return nil
	}
	sub, err := s.focus.Subscribe(ctx, s.room.Address(), s.room.Device(), s.room.LastSequence())
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.room.Address(), err)
	}

	// The room carries the instance it was last synchronized against,
	// restored from the directory snapshot across restarts. A mismatch on
	// resubscription means the conference was recreated while this device
	// was away; the resync rebases the history instead of treating the
	// new instance's low sequences as duplicates.
	known := s.room.Instance()
	if known == uuid.Nil {
		s.room.SetInstance(sub.Instance)
	} else if known != sub.Instance {
		s.resync(ctx)
	}

	ticker := time.NewTicker(s.requestTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("Stopping synchronizer", "room", string(s.room.Address()))
			return ctx.Err()
		case n, ok := <-sub.Events:
			if !ok {
				// Subscription lost: the supervisor restarts us and
				// Subscribe picks up from the last applied sequence.
				return fmt.Errorf("%w: subscription to %s closed", ce.ErrFocusUnreachable, s.room.Address())
			}
			s.handle(ctx, n)
		case <-ticker.C:
			s.expire(ctx)
		}
	}
}

// handle routes one notification by its sequence number: next in line is
// applied, stale ones are idempotently discarded, anything further ahead
// reveals a gap and triggers a resync.
func (s *Synchronizer) handle(ctx context.Context, n contract.Notification) {
	last := s.room.LastSequence()
	switch {
	case n.Sequence <= last:
		s.log.Debug(fmt.Sprintf("Discarding already applied event %d of %s", n.Sequence, s.room.Address()))
	case n.Sequence == last+1:
		s.apply(ctx, n.Event)
		s.drain(ctx)
	default:
		s.log.Debug(fmt.Sprintf("Sequence gap on %s: got %d, last applied %d",
			s.room.Address(), n.Sequence, last))
		s.mu.Lock()
		s.buffer[n.Sequence] = n.Event
		s.mu.Unlock()
		s.resync(ctx)
	}
}

func (s *Synchronizer) apply(ctx context.Context, e event.ConferenceEvent) {
	err := s.room.ApplyEvent(ctx, e)
	switch {
	case err == nil:
		s.resolve(ctx, e)
	case errors.Is(err, ce.ErrDuplicateSequence):
		// Raced with a resync that already covered this event.
	default:
		s.log.Warn("Applying event failed", "room", string(s.room.Address()),
			"sequence", e.Sequence(), "error", err)
	}
}

// drain applies buffered events that became contiguous.
func (s *Synchronizer) drain(ctx context.Context) {
	for {
		next := s.room.LastSequence() + 1
		s.mu.Lock()
		e, ok := s.buffer[next]
		if ok {
			delete(s.buffer, next)
		}
		// Buffered events the resync already covered are dead weight.
		for seq := range s.buffer {
			if seq < next {
				delete(s.buffer, seq)
			}
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		s.apply(ctx, e)
	}
}

// resync fetches the focus's full state and reconciles the room with it.
// Repeated failures past the error budget degrade the room to a stale
// warning; the last known-good view keeps being served.
func (s *Synchronizer) resync(ctx context.Context) {
	snap, err := s.focus.FullState(ctx, s.room.Address())
	if err != nil {
		s.mu.Lock()
		s.failures++
		exhausted := s.failures >= s.resyncBudget
		if exhausted {
			s.failures = 0
		}
		s.mu.Unlock()
		if exhausted {
			s.room.MarkStale(ctx, err)
		} else {
			s.log.Warn("Resync failed, will retry on next notification",
				"room", string(s.room.Address()), "error", err)
		}
		return
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	known := s.room.Instance()
	recreated := known != uuid.Nil && snap.InstanceID != known
	s.room.SetInstance(snap.InstanceID)

	if err := s.room.Resync(ctx, snap, recreated); err != nil {
		s.log.Warn("Applying resync snapshot failed",
			"room", string(s.room.Address()), "error", err)
		return
	}
	s.drain(ctx)
}

// Send implements contract.IRequestSender. A leave cancels every other
// pending outbound request; it must not cancel inbound processing, which
// keeps running until the focus confirms the removal.
func (s *Synchronizer) Send(ctx context.Context, req contract.Request) error {
	s.mu.Lock()
	if req.Kind == contract.RequestLeave {
		dropped := len(s.pending)
		s.pending = s.pending[:0]
		if dropped > 0 {
			s.log.Debug(fmt.Sprintf("Leave cancels %d pending request(s) on %s", dropped, req.Room))
		}
	}
	s.pending = append(s.pending, pendingRequest{
		kind:        req.Kind,
		participant: string(req.Participant),
		deadline:    time.Now().Add(s.requestTimeout),
	})
	s.mu.Unlock()

	if err := s.focus.Submit(ctx, req); err != nil {
		s.untrack(req.Kind, string(req.Participant))
		return err
	}
	return nil
}

// resolve clears the pending request a round-tripped event answers.
func (s *Synchronizer) resolve(ctx context.Context, e event.ConferenceEvent) {
	var kind contract.RequestKind
	var participant string
	switch evt := e.(type) {
	case event.ConferenceCreated:
		kind = contract.RequestCreate
	case event.SubjectChanged:
		kind = contract.RequestSetSubject
	case event.AdminStatusChanged:
		kind, participant = contract.RequestSetAdmin, string(evt.Participant)
	case event.ParticipantAdded:
		kind = contract.RequestAddParticipants
	case event.ParticipantRemoved:
		if evt.Participant == s.room.Local() {
			kind = contract.RequestLeave
		} else {
			kind, participant = contract.RequestRemoveParticipant, string(evt.Participant)
		}
	default:
		return
	}
	s.untrack(kind, participant)
}

func (s *Synchronizer) untrack(kind contract.RequestKind, participant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.kind != kind {
			continue
		}
		if p.participant != "" && p.participant != participant {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		return
	}
}

// expire reports requests whose window elapsed with no event: outcome
// unknown, the room falls back to its authoritative state.
func (s *Synchronizer) expire(ctx context.Context) {
	now := time.Now()
	var expired []contract.RequestKind
	s.mu.Lock()
	kept := s.pending[:0]
	for _, p := range s.pending {
		if now.After(p.deadline) {
			expired = append(expired, p.kind)
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
	s.mu.Unlock()
	for _, kind := range expired {
		s.log.Debug(fmt.Sprintf("Request %s on %s expired without event", kind, s.room.Address()))
		s.room.RequestExpired(ctx, kind)
	}
}
