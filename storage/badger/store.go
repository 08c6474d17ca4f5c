// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides BadgerDB implementations of the application log and
// persisted delivery context stores.
package badger

import (
	"sync"
	"time"

	"github.com/absmach/fluxmq-persist/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	log      *LogStore
	contexts *ContextStore

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data

	// SyncWrites fsyncs every write. Delivery bookkeeping tolerates replays,
	// so it is off by default.
	SyncWrites bool

	// CompressionThreshold is the encoded record size above which log
	// records are s2-compressed. Zero disables compression.
	CompressionThreshold int

	// GCInterval is the value log GC period. Defaults to 5 minutes.
	GCInterval time.Duration

	// InMemory runs badger without touching disk (tests).
	InMemory bool
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return NewWithDB(db, cfg), nil
}

// NewWithDB wraps an already opened database. The store takes ownership of db.
func NewWithDB(db *badger.DB, cfg Config) *Store {
	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = 5 * time.Minute
	}

	s := &Store{
		db:         db,
		log:        NewLogStore(db, cfg.CompressionThreshold),
		contexts:   NewContextStore(db),
		gcInterval: gcInterval,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}

	go s.runGC()

	return s
}

// Log returns the application message log.
func (s *Store) Log() storage.LogStore {
	return s.log
}

// Contexts returns the persisted delivery context store.
func (s *Store) Contexts() storage.ContextStore {
	return s.contexts
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when no rewrite was needed, which is fine.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// Skip a final GC: running it during close corrupts the vlog.
			return
		}
	}
}
