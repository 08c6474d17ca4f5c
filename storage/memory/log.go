// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/absmach/fluxmq-persist/storage"
)

var _ storage.LogStore = (*LogStore)(nil)

// LogStore is an in-memory storage.LogStore.
type LogStore struct {
	mu         sync.RWMutex
	partitions map[string][]*storage.PublishRecord // topic/partition -> records
	committed  map[string]map[string]uint64        // group -> topic/partition -> offset
	notifier   *storage.Notifier
}

// NewLogStore creates a new in-memory log store.
func NewLogStore() *LogStore {
	return &LogStore{
		partitions: make(map[string][]*storage.PublishRecord),
		committed:  make(map[string]map[string]uint64),
		notifier:   storage.NewNotifier(),
	}
}

// Append adds a record to the end of a partition's log.
func (s *LogStore) Append(ctx context.Context, topic string, partition int, rec *storage.PublishRecord) (uint64, error) {
	key := partitionKey(topic, partition)
	cp := *rec

	s.mu.Lock()
	offset := uint64(len(s.partitions[key]))
	s.partitions[key] = append(s.partitions[key], &cp)
	s.mu.Unlock()

	s.notifier.Notify(topic, partition)
	return offset, nil
}

// Read returns up to limit records starting at offset from.
func (s *LogStore) Read(ctx context.Context, topic string, partition int, from uint64, limit int) ([]*storage.LogMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.partitions[partitionKey(topic, partition)]
	if from >= uint64(len(records)) || limit <= 0 {
		return nil, nil
	}

	end := min(from+uint64(limit), uint64(len(records)))
	msgs := make([]*storage.LogMessage, 0, end-from)
	for off := from; off < end; off++ {
		cp := *records[off]
		msgs = append(msgs, &storage.LogMessage{Offset: off, Publish: &cp})
	}
	return msgs, nil
}

// EndOffset returns the next offset to be assigned on the partition.
func (s *LogStore) EndOffset(ctx context.Context, topic string, partition int) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.partitions[partitionKey(topic, partition)])), nil
}

// CommittedOffset returns the committed position of a consumer group.
func (s *LogStore) CommittedOffset(ctx context.Context, group, topic string, partition int) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offsets, ok := s.committed[group]
	if !ok {
		return 0, false, nil
	}
	offset, ok := offsets[partitionKey(topic, partition)]
	return offset, ok, nil
}

// Commit stores the consumer group position on the partition.
func (s *LogStore) Commit(ctx context.Context, group, topic string, partition int, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offsets, ok := s.committed[group]
	if !ok {
		offsets = make(map[string]uint64)
		s.committed[group] = offsets
	}
	offsets[partitionKey(topic, partition)] = offset
	return nil
}

// DeleteConsumerGroup removes every committed offset of the group.
func (s *LogStore) DeleteConsumerGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.committed, group)
	return nil
}

// Watch returns a channel closed on the next append to the partition.
func (s *LogStore) Watch(topic string, partition int) <-chan struct{} {
	return s.notifier.Wait(topic, partition)
}

// Groups lists consumer groups with committed offsets whose name has the prefix.
func (s *LogStore) Groups(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var groups []string
	for g := range s.committed {
		if strings.HasPrefix(g, prefix) {
			groups = append(groups, g)
		}
	}
	return groups
}

func partitionKey(topic string, partition int) string {
	return topic + "/" + strconv.Itoa(partition)
}
