// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/absmach/fluxmq-persist/storage"
)

var _ storage.ContextStore = (*ContextStore)(nil)

// ContextStore is an in-memory storage.ContextStore.
type ContextStore struct {
	mu       sync.RWMutex
	contexts map[string]*storage.PersistedMsgCtx
}

// NewContextStore creates a new in-memory context store.
func NewContextStore() *ContextStore {
	return &ContextStore{
		contexts: make(map[string]*storage.PersistedMsgCtx),
	}
}

// Load retrieves the persisted context of a client.
func (s *ContextStore) Load(ctx context.Context, clientID string) (*storage.PersistedMsgCtx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgCtx, ok := s.contexts[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(msgCtx), nil
}

// Save persists the context of a client.
func (s *ContextStore) Save(ctx context.Context, clientID string, msgCtx *storage.PersistedMsgCtx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[clientID] = clone(msgCtx)
	return nil
}

// Clear removes the context of a client.
func (s *ContextStore) Clear(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, clientID)
	return nil
}

func clone(c *storage.PersistedMsgCtx) *storage.PersistedMsgCtx {
	cp := &storage.PersistedMsgCtx{
		LastPacketID:     c.LastPacketID,
		OffsetToPacketID: maps.Clone(c.OffsetToPacketID),
		PubRelPacketIDs:  maps.Clone(c.PubRelPacketIDs),
	}
	return cp.Normalize()
}
