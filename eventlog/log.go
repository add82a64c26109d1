// Package eventlog holds the append-only, per-room record of conference
// events. The log is the single source of truth for a room's history:
// every derived view (roster, state machine) is a fold over it.
package eventlog

import (
	"confsync/contract"
	"confsync/domain"
	"confsync/domain/event"
	"confsync/errors"
	"fmt"
	"log/slog"
)

type Log struct {
	room   domain.Address
	events []event.ConferenceEvent
	store  contract.IEventStore
	log    *slog.Logger
}

// New creates an empty log for a room. store may be nil for rooms that
// are not persisted (e.g. during creation, before an address exists).
func New(room domain.Address, store contract.IEventStore, log *slog.Logger) *Log {
	return &Log{room: room, store: store, log: log}
}

// Load rebuilds a log from persisted history.
func Load(room domain.Address, store contract.IEventStore, log *slog.Logger) (*Log, error) {
	events, err := store.LoadEvents(room)
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", room, err)
	}
	l := New(room, store, log)
	l.events = events
	return l, nil
}

func (l *Log) Room() domain.Address { return l.room }

func (l *Log) LastSequence() uint64 {
	if len(l.events) == 0 {
		return 0
	}
	return l.events[len(l.events)-1].Sequence()
}

// Append adds one event. Sequences must be contiguous: the caller (the
// synchronizer) is responsible for discarding duplicates and buffering
// gaps. A persistence failure is logged, not returned: the in-memory log
// keeps the event and stays the source of truth, the next resync or
// restart rewrites the store.
func (l *Log) Append(e event.ConferenceEvent) error {
	seq := e.Sequence()
	last := l.LastSequence()
	switch {
	case seq <= last:
		return fmt.Errorf("%w: got %d, last applied %d", errors.ErrDuplicateSequence, seq, last)
	case seq != last+1:
		return fmt.Errorf("%w: got %d, last applied %d", errors.ErrSequenceGap, seq, last)
	}
	l.events = append(l.events, e)
	if l.store == nil {
		return nil
	}
	if err := l.store.AppendEvent(l.room, e); err != nil {
		l.log.Warn("Event persistence failed, keeping in-memory history",
			"room", string(l.room), "sequence", seq, "error", err)
	}
	return nil
}

// Rebase replaces the whole history, used when a full-state resync shows
// the focus recreated the conference instance. The new history must open
// with a ConferenceCreated and be contiguous.
func (l *Log) Rebase(events []event.ConferenceEvent) error {
	if len(events) == 0 {
		return errors.ErrEmptyHistory
	}
	if _, ok := events[0].(event.ConferenceCreated); !ok {
		return errors.ErrEmptyHistory
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence() != events[i-1].Sequence()+1 {
			return fmt.Errorf("%w: position %d", errors.ErrSequenceGap, i)
		}
	}
	l.events = append([]event.ConferenceEvent(nil), events...)
	l.log.Debug(fmt.Sprintf("History of %s rebased to %d events", l.room, len(events)))
	if l.store == nil {
		return nil
	}
	if err := l.store.ReplaceEvents(l.room, events); err != nil {
		l.log.Warn("History persistence failed, keeping in-memory history",
			"room", string(l.room), "error", err)
	}
	return nil
}

// Replay calls fn for every event in order.
func (l *Log) Replay(fn func(event.ConferenceEvent)) {
	for _, e := range l.events {
		fn(e)
	}
}

// Events returns a copy of the full history.
func (l *Log) Events() []event.ConferenceEvent {
	return append([]event.ConferenceEvent(nil), l.events...)
}

func (l *Log) Len() int { return len(l.events) }
