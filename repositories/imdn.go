package repositories

import (
	"confsync/contract"
	"confsync/domain"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ImdnRepository persists per-message, per-participant delivery states.
// The key is "imdn:{room}:{direction}:{message}:{participant}"; states
// are upserted so only the latest (highest, by monotonicity) survives.
type ImdnRepository struct {
	db  *badger.DB
	log *slog.Logger
}

var _ contract.IImdnStore = (*ImdnRepository)(nil)

func NewImdnRepository(db *badger.DB, log *slog.Logger) *ImdnRepository {
	return &ImdnRepository{db: db, log: log}
}

type imdnValue struct {
	State int `cbor:"state"`
}

func imdnKey(room domain.Address, rec contract.ImdnRecord) []byte {
	direction := "out"
	if rec.Inbound {
		direction = "in"
	}
	return []byte(fmt.Sprintf("imdn:%s:%s:%s:%s", room, direction, rec.Message, rec.Participant))
}

func (r *ImdnRepository) SaveState(room domain.Address, rec contract.ImdnRecord) error {
	data, err := cbor.Marshal(imdnValue{State: int(rec.State)})
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(imdnKey(room, rec), data)
	})
}

func (r *ImdnRepository) LoadStates(room domain.Address) ([]contract.ImdnRecord, error) {
	var records []contract.ImdnRecord
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("imdn:%s:", room))
		prefixLen := len(prefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			rec, err := parseImdnKey(string(item.Key())[prefixLen:])
			if err != nil {
				return err
			}
			err = item.Value(func(v []byte) error {
				var val imdnValue
				if err := cbor.Unmarshal(v, &val); err != nil {
					return err
				}
				rec.State = domain.ImdnState(val.State)
				records = append(records, rec)
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
	return records, nil
}

// parseImdnKey decodes "{direction}:{message}:{participant}". The
// participant address may itself contain colons, so only the first two
// separators split.
func parseImdnKey(suffix string) (contract.ImdnRecord, error) {
	var rec contract.ImdnRecord
	direction, rest, ok := strings.Cut(suffix, ":")
	if !ok {
		return rec, fmt.Errorf("malformed imdn key %q", suffix)
	}
	msg, participant, ok := strings.Cut(rest, ":")
	if !ok {
		return rec, fmt.Errorf("malformed imdn key %q", suffix)
	}
	rec.Inbound = direction == "in"
	msgID, err := uuid.Parse(msg)
	if err != nil {
		return rec, err
	}
	rec.Message = msgID
	rec.Participant = domain.Address(participant)
	return rec, nil
}
