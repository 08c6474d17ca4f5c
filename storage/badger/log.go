// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxmq-persist/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"
)

// Key prefixes for the application log. Names inside keys are written after their
// uvarint length so a name is never the prefix of another one, and partitions
// and offsets as fixed-size big-endian integers.
const (
	logMessagePrefix = "applog:msg:"   // applog:msg:{len}{topic}{partition}{offset}
	logTailPrefix    = "applog:tail:"  // applog:tail:{len}{topic}{partition}
	groupPrefix      = "applog:group:" // applog:group:{len}{group}{len}{topic}{partition}
)

// Record encodings, stored as the first byte of every value.
const (
	encodingJSON   byte = 0
	encodingJSONS2 byte = 1
)

var _ storage.LogStore = (*LogStore)(nil)

// LogStore implements storage.LogStore using BadgerDB.
type LogStore struct {
	db       *badger.DB
	notifier *storage.Notifier

	// Serializes tail updates so concurrent appends never conflict.
	appendMu sync.Mutex

	compressThreshold int
}

// NewLogStore creates a new BadgerDB log store. Records whose JSON encoding is
// at least compressThreshold bytes are s2-compressed; zero disables it.
func NewLogStore(db *badger.DB, compressThreshold int) *LogStore {
	return &LogStore{
		db:                db,
		notifier:          storage.NewNotifier(),
		compressThreshold: compressThreshold,
	}
}

// Append adds a record to the end of a partition's log.
func (s *LogStore) Append(ctx context.Context, topic string, partition int, rec *storage.PublishRecord) (uint64, error) {
	data, err := s.encode(rec)
	if err != nil {
		return 0, err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var offset uint64
	err = s.db.Update(func(txn *badger.Txn) error {
		tailKey := tailKey(topic, partition)
		tail, err := getUint64(txn, tailKey)
		if err != nil {
			return err
		}
		offset = tail

		if err := txn.Set(messageKey(topic, partition, offset), data); err != nil {
			return err
		}
		return txn.Set(tailKey, uint64ToBytes(tail+1))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append to %s/%d: %w", topic, partition, err)
	}

	s.notifier.Notify(topic, partition)
	return offset, nil
}

// Read returns up to limit records starting at offset from.
func (s *LogStore) Read(ctx context.Context, topic string, partition int, from uint64, limit int) ([]*storage.LogMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	msgs := make([]*storage.LogMessage, 0, min(limit, 64))
	prefix := messagePrefix(topic, partition)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = min(limit, 100)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(messageKey(topic, partition, from)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) < 8 {
				return storage.ErrCorrupted
			}
			offset := binary.BigEndian.Uint64(key[len(key)-8:])

			err := item.Value(func(val []byte) error {
				rec, err := s.decode(val)
				if err != nil {
					return fmt.Errorf("offset %d: %w", offset, err)
				}
				msgs = append(msgs, &storage.LogMessage{Offset: offset, Publish: rec})
				return nil
			})
			if err != nil {
				return err
			}

			if len(msgs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msgs, nil
}

// EndOffset returns the next offset to be assigned on the partition.
func (s *LogStore) EndOffset(ctx context.Context, topic string, partition int) (uint64, error) {
	var tail uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		tail, err = getUint64(txn, tailKey(topic, partition))
		return err
	})
	return tail, err
}

// CommittedOffset returns the committed position of a consumer group.
func (s *LogStore) CommittedOffset(ctx context.Context, group, topic string, partition int) (uint64, bool, error) {
	var (
		offset uint64
		found  bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(groupKey(group, topic, partition))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			offset = bytesToUint64(val)
			return nil
		})
	})
	return offset, found, err
}

// Commit stores the consumer group position on the partition.
func (s *LogStore) Commit(ctx context.Context, group, topic string, partition int, offset uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(groupKey(group, topic, partition), uint64ToBytes(offset))
	})
}

// DeleteConsumerGroup removes every committed offset of the group.
func (s *LogStore) DeleteConsumerGroup(ctx context.Context, group string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return deleteByPrefix(txn, groupKeyPrefix(group))
	})
}

// Watch returns a channel closed on the next append to the partition.
func (s *LogStore) Watch(topic string, partition int) <-chan struct{} {
	return s.notifier.Wait(topic, partition)
}

func (s *LogStore) encode(rec *storage.PublishRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log record: %w", err)
	}

	if s.compressThreshold > 0 && len(data) >= s.compressThreshold {
		encoded := s2.Encode(nil, data)
		return append([]byte{encodingJSONS2}, encoded...), nil
	}
	return append([]byte{encodingJSON}, data...), nil
}

func (s *LogStore) decode(val []byte) (*storage.PublishRecord, error) {
	if len(val) == 0 {
		return nil, storage.ErrCorrupted
	}

	data := val[1:]
	switch val[0] {
	case encodingJSON:
	case encodingJSONS2:
		var err error
		data, err = s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress log record: %w", storage.ErrCorrupted)
		}
	default:
		return nil, fmt.Errorf("unknown record encoding %d: %w", val[0], storage.ErrCorrupted)
	}

	var rec storage.PublishRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal log record: %w: %w", storage.ErrCorrupted, err)
	}
	return &rec, nil
}

// messagePrefix is followed by the 8-byte big-endian offset so keys sort by offset.
func messagePrefix(topic string, partition int) []byte {
	key := appendName([]byte(logMessagePrefix), topic)
	return binary.BigEndian.AppendUint32(key, uint32(partition))
}

func messageKey(topic string, partition int, offset uint64) []byte {
	return binary.BigEndian.AppendUint64(messagePrefix(topic, partition), offset)
}

func tailKey(topic string, partition int) []byte {
	key := appendName([]byte(logTailPrefix), topic)
	return binary.BigEndian.AppendUint32(key, uint32(partition))
}

func groupKeyPrefix(group string) []byte {
	return appendName([]byte(groupPrefix), group)
}

func groupKey(group, topic string, partition int) []byte {
	key := appendName(groupKeyPrefix(group), topic)
	return binary.BigEndian.AppendUint32(key, uint32(partition))
}

func appendName(key []byte, name string) []byte {
	key = binary.AppendUvarint(key, uint64(len(name)))
	return append(key, name...)
}

func getUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var v uint64
	err = item.Value(func(val []byte) error {
		v = bytesToUint64(val)
		return nil
	})
	return v, err
}

func deleteByPrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
