// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package processing

import (
	"maps"
	"sync"
)

// PubRelSet holds the PUBREL obligations of one client: packet IDs whose
// PUBLISH was PUBREC'd but whose PUBCOMP has not arrived, with the log offset
// of the original publish. Entries leave only on PUBCOMP.
type PubRelSet struct {
	mu  sync.RWMutex
	ids map[uint16]uint64
}

// NewPubRelSet creates a set seeded with persisted obligations.
func NewPubRelSet(seed map[uint16]uint64) *PubRelSet {
	ids := make(map[uint16]uint64, len(seed))
	maps.Copy(ids, seed)
	return &PubRelSet{ids: ids}
}

// Add records an obligation.
func (s *PubRelSet) Add(packetID uint16, offset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[packetID] = offset
}

// Remove drops an obligation and reports whether it existed.
func (s *PubRelSet) Remove(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[packetID]
	delete(s.ids, packetID)
	return ok
}

// Has reports whether packetID awaits PUBCOMP.
func (s *PubRelSet) Has(packetID uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[packetID]
	return ok
}

// Len returns the number of obligations.
func (s *PubRelSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Offsets returns the set of log offsets already in the PUBREL phase.
func (s *PubRelSet) Offsets() map[uint64]uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offsets := make(map[uint64]uint16, len(s.ids))
	for id, off := range s.ids {
		offsets[off] = id
	}
	return offsets
}

// Snapshot returns a copy of the obligations.
func (s *PubRelSet) Snapshot() map[uint16]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.ids)
}

// Messages returns one PUBREL message per obligation, ordered by offset.
func (s *PubRelSet) Messages() []PersistedMsg {
	s.mu.RLock()
	msgs := make([]PersistedMsg, 0, len(s.ids))
	for id, off := range s.ids {
		msgs = append(msgs, &PersistedPubRelMsg{ID: id, LogOffset: off})
	}
	s.mu.RUnlock()

	SortByOffset(msgs)
	return msgs
}
