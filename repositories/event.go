package repositories

import (
	"confsync/contract"
	"confsync/domain"
	"confsync/domain/event"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// EventRepository persists each room's ordered conference history.
// The key is formatted as "evt:{room}:{sequence_padded}" to ensure
// replay order using 19-digit zero padding (lexicographical order).
type EventRepository struct {
	db  *badger.DB
	log *slog.Logger
}

var _ contract.IEventStore = (*EventRepository)(nil)

func NewEventRepository(db *badger.DB, log *slog.Logger) *EventRepository {
	return &EventRepository{db: db, log: log}
}

const (
	kindCreated      = "conference_created"
	kindJoined       = "conference_joined"
	kindAdded        = "participant_added"
	kindRemoved      = "participant_removed"
	kindAdminChanged = "admin_status_changed"
	kindSubject      = "subject_changed"
	kindDeviceAdded  = "device_added"
)

// eventRecord flattens the ConferenceEvent variants into one storable
// shape, discriminated by Kind.
type eventRecord struct {
	Kind        string `cbor:"kind"`
	Room        string `cbor:"room"`
	Seq         uint64 `cbor:"seq"`
	At          int64  `cbor:"at"`
	Participant string `cbor:"participant,omitempty"`
	Device      string `cbor:"device,omitempty"`
	Admin       bool   `cbor:"admin,omitempty"`
	Subject     string `cbor:"subject,omitempty"`
	Creator     string `cbor:"creator,omitempty"`
}

func eventKey(room domain.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("evt:%s:%019d", room, seq))
}

func eventPrefix(room domain.Address) []byte {
	return []byte(fmt.Sprintf("evt:%s:", room))
}

func (r *EventRepository) AppendEvent(room domain.Address, e event.ConferenceEvent) error {
	rec, err := toEventRecord(e)
	if err != nil {
		return err
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(room, e.Sequence()), data)
	})
}

func (r *EventRepository) LoadEvents(room domain.Address) ([]event.ConferenceEvent, error) {
	var raw [][]byte
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := eventPrefix(room)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				raw = append(raw, append([]byte(nil), v...))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make([]event.ConferenceEvent, 0, len(raw))
	for _, v := range raw {
		var rec eventRecord
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return nil, err
		}
		e, err := fromEventRecord(rec)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// ReplaceEvents atomically swaps a room's history, used when a resync
// rebases on a recreated conference instance.
func (r *EventRepository) ReplaceEvents(room domain.Address, events []event.ConferenceEvent) error {
	return r.db.Update(func(txn *badger.Txn) error {
		prefix := eventPrefix(room)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, e := range events {
			rec, err := toEventRecord(e)
			if err != nil {
				return err
			}
			data, err := cbor.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(eventKey(room, e.Sequence()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func toEventRecord(e event.ConferenceEvent) (eventRecord, error) {
	rec := eventRecord{
		Room: string(e.Conference()),
		Seq:  e.Sequence(),
		At:   e.OccurredAt().UnixNano(),
	}
	switch evt := e.(type) {
	case event.ConferenceCreated:
		rec.Kind = kindCreated
		rec.Creator = string(evt.Creator)
		rec.Subject = evt.Subject
	case event.ConferenceJoined:
		rec.Kind = kindJoined
		rec.Participant = string(evt.Participant)
	case event.ParticipantAdded:
		rec.Kind = kindAdded
		rec.Participant = string(evt.Participant)
	case event.ParticipantRemoved:
		rec.Kind = kindRemoved
		rec.Participant = string(evt.Participant)
	case event.AdminStatusChanged:
		rec.Kind = kindAdminChanged
		rec.Participant = string(evt.Participant)
		rec.Admin = evt.Admin
	case event.SubjectChanged:
		rec.Kind = kindSubject
		rec.Subject = evt.Subject
	case event.DeviceAdded:
		rec.Kind = kindDeviceAdded
		rec.Participant = string(evt.Participant)
		rec.Device = string(evt.Device)
	default:
		return eventRecord{}, fmt.Errorf("unknown event type %T", e)
	}
	return rec, nil
}

func fromEventRecord(rec eventRecord) (event.ConferenceEvent, error) {
	base := event.Base{
		Room: domain.Address(rec.Room),
		Seq:  rec.Seq,
		At:   time.Unix(0, rec.At).UTC(),
	}
	switch rec.Kind {
	case kindCreated:
		return event.ConferenceCreated{Base: base, Creator: domain.Address(rec.Creator), Subject: rec.Subject}, nil
	case kindJoined:
		return event.ConferenceJoined{Base: base, Participant: domain.Address(rec.Participant)}, nil
	case kindAdded:
		return event.ParticipantAdded{Base: base, Participant: domain.Address(rec.Participant)}, nil
	case kindRemoved:
		return event.ParticipantRemoved{Base: base, Participant: domain.Address(rec.Participant)}, nil
	case kindAdminChanged:
		return event.AdminStatusChanged{Base: base, Participant: domain.Address(rec.Participant), Admin: rec.Admin}, nil
	case kindSubject:
		return event.SubjectChanged{Base: base, Subject: rec.Subject}, nil
	case kindDeviceAdded:
		return event.DeviceAdded{Base: base, Participant: domain.Address(rec.Participant), Device: domain.DeviceID(rec.Device)}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", rec.Kind)
	}
}
