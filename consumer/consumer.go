// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer implements a controlled-offset consumer over a partitioned
// application log. The consumer keeps an in-memory poll position and only
// moves the consumer group's committed offset on explicit commits.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxmq-persist/storage"
)

// DefaultMaxPollRecords bounds a single poll when no limit is configured.
const DefaultMaxPollRecords = 100

var (
	ErrNotAssigned = errors.New("consumer has no assigned partition")
	ErrClosed      = errors.New("consumer is closed")
)

// Consumer reads one partition of a topic on behalf of a consumer group.
// It is not safe for concurrent use; one goroutine owns it.
type Consumer struct {
	store storage.LogStore
	topic string
	group string

	partition      int
	position       uint64
	assigned       bool
	closed         bool
	maxPollRecords int
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithMaxPollRecords limits the number of records returned by one poll.
func WithMaxPollRecords(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxPollRecords = n
		}
	}
}

// New creates a consumer for topic in the given consumer group.
func New(store storage.LogStore, topic, group string, opts ...Option) *Consumer {
	c := &Consumer{
		store:          store,
		topic:          topic,
		group:          group,
		maxPollRecords: DefaultMaxPollRecords,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Topic returns the consumed topic.
func (c *Consumer) Topic() string {
	return c.topic
}

// Group returns the consumer group.
func (c *Consumer) Group() string {
	return c.group
}

// Position returns the next offset Poll reads from.
func (c *Consumer) Position() uint64 {
	return c.position
}

// AssignPartition binds the consumer to a partition and positions it at the
// group's committed offset, or at the end of the log when nothing was committed.
func (c *Consumer) AssignPartition(ctx context.Context, partition int) error {
	if c.closed {
		return ErrClosed
	}

	c.partition = partition
	c.assigned = true
	return c.Rewind(ctx)
}

// Rewind moves the poll position back to the committed offset.
func (c *Consumer) Rewind(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}

	committed, ok, err := c.store.CommittedOffset(ctx, c.group, c.topic, c.partition)
	if err != nil {
		return fmt.Errorf("failed to read committed offset: %w", err)
	}
	if ok {
		c.position = committed
		return nil
	}

	end, err := c.store.EndOffset(ctx, c.topic, c.partition)
	if err != nil {
		return fmt.Errorf("failed to read end offset: %w", err)
	}
	c.position = end
	return nil
}

// Poll returns the next records after the current position. It blocks until
// records are appended, the timeout elapses (nil, nil) or ctx is done.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]*storage.LogMessage, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Register before reading so an append between the two is not missed.
		appended := c.store.Watch(c.topic, c.partition)

		msgs, err := c.store.Read(ctx, c.topic, c.partition, c.position, c.maxPollRecords)
		if err != nil {
			return nil, fmt.Errorf("failed to poll %s/%d: %w", c.topic, c.partition, err)
		}
		if len(msgs) > 0 {
			c.position = msgs[len(msgs)-1].Offset + 1
			return msgs, nil
		}

		select {
		case <-appended:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Commit stores the current poll position as the group's committed offset.
func (c *Consumer) Commit(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.store.Commit(ctx, c.group, c.topic, c.partition, c.position)
}

// CommitOffset stores an explicit committed offset for the partition.
func (c *Consumer) CommitOffset(ctx context.Context, partition int, offset uint64) error {
	if c.closed {
		return ErrClosed
	}
	return c.store.Commit(ctx, c.group, c.topic, partition, offset)
}

// CommittedOffset returns the group's committed offset on a partition.
func (c *Consumer) CommittedOffset(ctx context.Context, topic string, partition int) (uint64, bool, error) {
	return c.store.CommittedOffset(ctx, c.group, topic, partition)
}

// EndOffset returns the end of the log on a partition.
func (c *Consumer) EndOffset(ctx context.Context, topic string, partition int) (uint64, error) {
	return c.store.EndOffset(ctx, topic, partition)
}

// UnsubscribeAndClose releases the partition. Further calls fail with ErrClosed.
func (c *Consumer) UnsubscribeAndClose() {
	c.assigned = false
	c.closed = true
}

func (c *Consumer) check() error {
	if c.closed {
		return ErrClosed
	}
	if !c.assigned {
		return ErrNotAssigned
	}
	return nil
}
