package repositories

import (
	"confsync/contract"
	"confsync/domain"
	"errors"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const directorySnapshotKey = "dir:snapshot"

// DirectoryRepository persists the room directory as a single snapshot
// value, rewritten whole on every change. The directory is small (one
// entry per room) so a per-room layout would buy nothing.
type DirectoryRepository struct {
	db  *badger.DB
	log *slog.Logger
}

var _ contract.IDirectoryStore = (*DirectoryRepository)(nil)

func NewDirectoryRepository(db *badger.DB, log *slog.Logger) *DirectoryRepository {
	return &DirectoryRepository{db: db, log: log}
}

type directoryRecord struct {
	Address  string `cbor:"address"`
	Peer     string `cbor:"peer,omitempty"`
	State    int    `cbor:"state"`
	Caps     uint8  `cbor:"caps"`
	Subject  string `cbor:"subject,omitempty"`
	LastSeq  uint64 `cbor:"last_seq,omitempty"`
	Creation int64  `cbor:"creation"`
	Instance string `cbor:"instance,omitempty"`
}

func (r *DirectoryRepository) SaveSnapshot(rooms []contract.DirectoryRoom) error {
	records := lo.Map(rooms, func(room contract.DirectoryRoom, _ int) directoryRecord {
		return directoryRecord{
			Address:  string(room.Address),
			Peer:     string(room.Peer),
			State:    int(room.State),
			Caps:     uint8(room.Caps),
			Subject:  room.Subject,
			LastSeq:  room.LastSeq,
			Creation: room.Creation,
			Instance: instanceString(room.Instance),
		}
	})
	data, err := cbor.Marshal(records)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(directorySnapshotKey), data)
	})
}

func (r *DirectoryRepository) LoadSnapshot() ([]contract.DirectoryRoom, error) {
	var data []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(directorySnapshotKey))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []directoryRecord
	if err := cbor.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	rooms := lo.Map(records, func(rec directoryRecord, _ int) contract.DirectoryRoom {
		return contract.DirectoryRoom{
			Address:  domain.Address(rec.Address),
			Peer:     domain.Address(rec.Peer),
			State:    domain.RoomState(rec.State),
			Caps:     domain.Capability(rec.Caps),
			Subject:  rec.Subject,
			LastSeq:  rec.LastSeq,
			Creation: rec.Creation,
			Instance: parseInstance(rec.Instance),
		}
	})
	return rooms, nil
}

func instanceString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// parseInstance tolerates snapshots written before instances were
// recorded; a missing or malformed value means "not yet known".
func parseInstance(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
