// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contracts used by the application
// redelivery pipeline: the append-only per-client message log with consumer
// group offsets, and the durable per-client delivery context.
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrClosed        = errors.New("store is closed")
	ErrInvalidOffset = errors.New("invalid offset")
	ErrCorrupted     = errors.New("corrupted record")
)

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Log returns the append-only message log.
	Log() LogStore

	// Contexts returns the persisted delivery context store.
	Contexts() ContextStore

	// Close closes all storage backends.
	Close() error
}

// PublishRecord is a publish message as it was written to a client's log.
type PublishRecord struct {
	PublishedAt    time.Time         `json:"published_at"`
	Topic          string            `json:"topic"`
	Payload        []byte            `json:"payload,omitempty"`
	UserProperties map[string]string `json:"user_properties,omitempty"`
	QoS            byte              `json:"qos"`
	Retain         bool              `json:"retain,omitempty"`
}

// LogMessage is a record read back from the log together with its offset.
type LogMessage struct {
	Publish *PublishRecord
	Offset  uint64
}

// LogStore is an append-only, partitioned message log with explicit
// per-consumer-group offset commits.
type LogStore interface {
	// Append writes a record at the tail of the partition and returns its offset.
	Append(ctx context.Context, topic string, partition int, rec *PublishRecord) (uint64, error)

	// Read returns up to limit records starting at offset from.
	Read(ctx context.Context, topic string, partition int, from uint64, limit int) ([]*LogMessage, error)

	// EndOffset returns the offset the next appended record will get.
	EndOffset(ctx context.Context, topic string, partition int) (uint64, error)

	// CommittedOffset returns the committed position of a consumer group.
	// The boolean is false when the group never committed on that partition.
	CommittedOffset(ctx context.Context, group, topic string, partition int) (uint64, bool, error)

	// Commit stores the position the consumer group resumes from.
	Commit(ctx context.Context, group, topic string, partition int, offset uint64) error

	// DeleteConsumerGroup removes all committed offsets of a group.
	DeleteConsumerGroup(ctx context.Context, group string) error

	// Watch returns a channel closed on the next append to the partition.
	Watch(topic string, partition int) <-chan struct{}
}

// PersistedMsgCtx is the durable per-client redelivery bookkeeping.
type PersistedMsgCtx struct {
	// OffsetToPacketID keeps the packet ID assigned to each delivered but
	// uncommitted log offset.
	OffsetToPacketID map[uint64]uint16 `json:"offset_to_packet_id,omitempty"`

	// PubRelPacketIDs maps packet IDs waiting for PUBCOMP to their log offset.
	PubRelPacketIDs map[uint16]uint64 `json:"pubrel_packet_ids,omitempty"`

	LastPacketID uint16 `json:"last_packet_id"`
}

// NewPersistedMsgCtx returns an empty context.
func NewPersistedMsgCtx() *PersistedMsgCtx {
	return &PersistedMsgCtx{
		OffsetToPacketID: make(map[uint64]uint16),
		PubRelPacketIDs:  make(map[uint16]uint64),
	}
}

// Normalize makes sure all maps are initialized.
func (c *PersistedMsgCtx) Normalize() *PersistedMsgCtx {
	if c.OffsetToPacketID == nil {
		c.OffsetToPacketID = make(map[uint64]uint16)
	}
	if c.PubRelPacketIDs == nil {
		c.PubRelPacketIDs = make(map[uint16]uint64)
	}
	return c
}

// PacketID returns the packet ID previously assigned to an offset.
func (c *PersistedMsgCtx) PacketID(offset uint64) (uint16, bool) {
	id, ok := c.OffsetToPacketID[offset]
	return id, ok
}

// ContextStore persists PersistedMsgCtx per client.
type ContextStore interface {
	// Load returns ErrNotFound when nothing was saved for the client.
	Load(ctx context.Context, clientID string) (*PersistedMsgCtx, error)
	Save(ctx context.Context, clientID string, msgCtx *PersistedMsgCtx) error
	Clear(ctx context.Context, clientID string) error
}
