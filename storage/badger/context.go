// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxmq-persist/storage"
	"github.com/dgraph-io/badger/v4"
)

const (
	contextPrefix  = "appctx:"
	contextVersion = 1
)

var _ storage.ContextStore = (*ContextStore)(nil)

// ContextStore implements storage.ContextStore using BadgerDB.
type ContextStore struct {
	db *badger.DB
}

type contextWrapper struct {
	State   *storage.PersistedMsgCtx `json:"state"`
	Version uint8                    `json:"version"`
	SavedAt int64                    `json:"saved_at"`
}

// NewContextStore creates a new BadgerDB context store.
func NewContextStore(db *badger.DB) *ContextStore {
	return &ContextStore{db: db}
}

// Load retrieves the persisted context of a client.
func (s *ContextStore) Load(ctx context.Context, clientID string) (*storage.PersistedMsgCtx, error) {
	var wrapper contextWrapper

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(contextKey(clientID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &wrapper)
		})
	})
	if err != nil {
		return nil, err
	}

	if wrapper.Version > contextVersion {
		return nil, fmt.Errorf("unsupported persisted context version %d: %w", wrapper.Version, storage.ErrCorrupted)
	}
	if wrapper.State == nil {
		return nil, fmt.Errorf("empty persisted context for %s: %w", clientID, storage.ErrCorrupted)
	}

	return wrapper.State.Normalize(), nil
}

// Save persists the context of a client, replacing any previous one.
func (s *ContextStore) Save(ctx context.Context, clientID string, msgCtx *storage.PersistedMsgCtx) error {
	data, err := json.Marshal(contextWrapper{
		State:   msgCtx,
		Version: contextVersion,
		SavedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal persisted context: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(contextKey(clientID), data)
	})
}

// Clear removes the context of a client.
func (s *ContextStore) Clear(ctx context.Context, clientID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(contextKey(clientID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func contextKey(clientID string) []byte {
	return []byte(contextPrefix + clientID)
}
