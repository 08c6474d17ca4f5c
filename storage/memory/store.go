// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides in-memory implementations of the storage interfaces.
package memory

import (
	"github.com/absmach/fluxmq-persist/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	log      *LogStore
	contexts *ContextStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		log:      NewLogStore(),
		contexts: NewContextStore(),
	}
}

// Log returns the application message log.
func (s *Store) Log() storage.LogStore {
	return s.log
}

// Contexts returns the persisted delivery context store.
func (s *Store) Contexts() storage.ContextStore {
	return s.contexts
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
