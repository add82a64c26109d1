package repositories

import (
	"confsync/contract"
	"confsync/domain"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MessageRepository persists message history in BadgerDB and mirrors the
// content into a bluge index for full-text search.
// The key is formatted as "msg:{room}:{timestamp_padded}:{uuid}" to:
//  1. Ensure chronological sorting using 19-digit zero padding
//     (lexicographical order).
//  2. Prevent data loss by using UUID as a collision disconnector if two
//     messages arrive at the same nanosecond.
type MessageRepository struct {
	db            *badger.DB
	index         *bluge.Writer
	log           *slog.Logger
	limitMessages *int
}

var _ contract.IMessageStore = (*MessageRepository)(nil)

func NewMessageRepository(db *badger.DB, index *bluge.Writer, log *slog.Logger, limitMessages *int) *MessageRepository {
	return &MessageRepository{db: db, index: index, log: log, limitMessages: limitMessages}
}

type messageRecord struct {
	ID      string `cbor:"id"`
	Author  string `cbor:"author"`
	Content string `cbor:"content"`
	At      int64  `cbor:"at"`
}

func messageKey(room domain.Address, msg domain.Message) string {
	return fmt.Sprintf("msg:%s:%019d:%s", room, msg.SentAt.UnixNano(), msg.ID)
}

func (m *MessageRepository) StoreMessage(room domain.Address, msg domain.Message) error {
	key := messageKey(room, msg)
	data, err := cbor.Marshal(fromMessage(msg))
	if err != nil {
		return err
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return err
	}
	return m.indexMessage(room, key, msg)
}

func (m *MessageRepository) indexMessage(room domain.Address, key string, msg domain.Message) error {
	if m.index == nil {
		return nil
	}
	doc := bluge.NewDocument(msg.ID.String())
	doc.AddField(bluge.NewKeywordField("room", string(room)))
	doc.AddField(bluge.NewTextField("content", msg.Content))
	doc.AddField(bluge.NewStoredOnlyField("key", []byte(key)))
	return m.index.Update(doc.ID(), doc)
}

// GetMessages retrieves messages for a room using a reverse prefix scan:
// newest first, paginated through the returned cursor. Thanks to the
// padded timestamp in the key, messages are naturally sorted by time.
func (m *MessageRepository) GetMessages(room domain.Address, cursor *string) ([]domain.Message, *string, error) {
	var raw [][]byte
	var lastKey string
	err := m.db.View(func(txn *badger.Txn) error {
		prefixStr := fmt.Sprintf("msg:%s:", room)
		prefix := []byte(prefixStr)
		prefixLen := len(prefixStr)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			// Seek past the newest possible key, then walk backwards.
			seekKey = append(prefix, []byte("9999999999999999999")...)
		default:
			seekKey = append(prefix, []byte(*cursor)...)
		}

		it.Seek(seekKey)

		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if m.limitMessages != nil && len(raw) == *m.limitMessages {
				m.log.Debug(fmt.Sprintf("Maximum of %d message reached", *m.limitMessages))
				break
			}
			item := it.Item()
			// Memorize cursor part of the actual key
			lastKey = string(item.Key()[prefixLen:])
			err := item.Value(func(value []byte) error {
				raw = append(raw, append([]byte(nil), value...))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	messages, err := decodeMessages(raw)
	if err != nil {
		return nil, nil, err
	}
	return messages, &lastKey, nil
}

// Search runs a full-text query over one room's history and resolves the
// matches back through BadgerDB.
func (m *MessageRepository) Search(room domain.Address, query string, limit int) ([]domain.Message, error) {
	if m.index == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	reader, err := m.index.Reader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	q := bluge.NewBooleanQuery().
		AddMust(bluge.NewTermQuery(string(room)).SetField("room")).
		AddMust(bluge.NewMatchQuery(query).SetField("content"))
	it, err := reader.Search(context.Background(), bluge.NewTopNSearch(limit, q))
	if err != nil {
		return nil, err
	}

	var keys [][]byte
	for match, err := it.Next(); match != nil; match, err = it.Next() {
		if err != nil {
			return nil, err
		}
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			if field == "key" {
				keys = append(keys, append([]byte(nil), value...))
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	var raw [][]byte
	err = m.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			err = item.Value(func(value []byte) error {
				raw = append(raw, append([]byte(nil), value...))
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
	return decodeMessages(raw)
}

// Migrate re-keys a room's whole history under a new room address, used
// when a basic conversation upgrades to a conference-backed one. The
// conversation stays continuous under the new address.
func (m *MessageRepository) Migrate(from, to domain.Address) error {
	fromPrefix := fmt.Sprintf("msg:%s:", from)
	toPrefix := fmt.Sprintf("msg:%s:", to)

	type moved struct {
		key   string
		value []byte
	}
	var batch []moved
	err := m.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(fromPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			suffix := string(item.Key()[len(fromPrefix):])
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			batch = append(batch, moved{key: suffix, value: value})
		}
		for _, entry := range batch {
			if err := txn.Delete([]byte(fromPrefix + entry.key)); err != nil {
				return err
			}
			if err := txn.Set([]byte(toPrefix+entry.key), entry.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if m.index == nil {
		return nil
	}
	// Reindex under the new room so search keeps working post-migration.
	for _, entry := range batch {
		var rec messageRecord
		if err := cbor.Unmarshal(entry.value, &rec); err != nil {
			return err
		}
		msg, err := toMessage(rec)
		if err != nil {
			return err
		}
		if err := m.indexMessage(to, toPrefix+entry.key, msg); err != nil {
			return err
		}
	}
	return nil
}

func decodeMessages(raw [][]byte) ([]domain.Message, error) {
	var messages []domain.Message
	for _, b := range raw {
		var rec messageRecord
		if err := cbor.Unmarshal(b, &rec); err != nil {
			return nil, err
		}
		msg, err := toMessage(rec)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func fromMessage(msg domain.Message) messageRecord {
	return messageRecord{
		ID:      msg.ID.String(),
		Author:  string(msg.Author),
		Content: msg.Content,
		At:      msg.SentAt.UnixNano(),
	}
}

func toMessage(rec messageRecord) (domain.Message, error) {
	parsedID, err := uuid.Parse(rec.ID)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:      parsedID,
		Author:  domain.Address(rec.Author),
		Content: rec.Content,
		SentAt:  time.Unix(0, rec.At).UTC(),
	}, nil
}

// SortedByTime returns a copy ordered oldest first, for callers that
// page newest-first but render chronologically.
func SortedByTime(messages []domain.Message) []domain.Message {
	out := append([]domain.Message(nil), messages...)
	return lo.Reverse(out)
}
