// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package processing

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// PackProcessingContext tracks the messages of one delivery round until they
// are acknowledged. Ack callbacks come from the session layer while the round
// driver waits in Await, so all state is guarded by mu and every change closes
// the changed channel to wake waiters.
type PackProcessingContext struct {
	mu             sync.Mutex
	pendingPublish map[uint16]*PersistedPublishMsg
	pendingPubRel  map[uint16]*PersistedPubRelMsg
	changed        chan struct{}

	pubRels *PubRelSet
	logger  *slog.Logger

	totalPublish int
	totalPubRel  int
}

// NewPackProcessingContext builds the tracker of a round. QoS 0 publishes are
// delivered but never awaited. Obligations created by PUBREC are recorded in
// pubRels.
func NewPackProcessingContext(msgs []PersistedMsg, pubRels *PubRelSet, logger *slog.Logger) *PackProcessingContext {
	if logger == nil {
		logger = slog.Default()
	}

	c := &PackProcessingContext{
		pendingPublish: make(map[uint16]*PersistedPublishMsg),
		pendingPubRel:  make(map[uint16]*PersistedPubRelMsg),
		changed:        make(chan struct{}),
		pubRels:        pubRels,
		logger:         logger,
	}

	for _, msg := range msgs {
		switch m := msg.(type) {
		case *PersistedPublishMsg:
			c.totalPublish++
			if m.Tracked() {
				c.pendingPublish[m.ID] = m
			}
		case *PersistedPubRelMsg:
			c.totalPubRel++
			c.pendingPubRel[m.ID] = m
		}
	}

	return c
}

// OnPubAck resolves a QoS 1 publish. It reports whether the ID belonged to
// the round.
func (c *PackProcessingContext) OnPubAck(packetID uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.pendingPublish[packetID]
	if !ok {
		c.logger.Debug("PUBACK for unknown packet", slog.Int("packet_id", int(packetID)))
		return false
	}
	if msg.QoS != 1 {
		c.logger.Warn("PUBACK for QoS 2 packet ignored", slog.Int("packet_id", int(packetID)))
		return false
	}

	delete(c.pendingPublish, packetID)
	c.notifyLocked()
	return true
}

// OnPubRec resolves the PUBLISH phase of a QoS 2 message and records its
// PUBREL obligation. A repeated PUBREC for an open obligation is accepted so
// the caller answers it with a PUBREL again.
func (c *PackProcessingContext) OnPubRec(packetID uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.pendingPublish[packetID]
	if !ok {
		if c.pubRels != nil && c.pubRels.Has(packetID) {
			return true
		}
		c.logger.Debug("PUBREC for unknown packet", slog.Int("packet_id", int(packetID)))
		return false
	}
	if msg.QoS != 2 {
		c.logger.Warn("PUBREC for QoS 1 packet ignored", slog.Int("packet_id", int(packetID)))
		return false
	}

	delete(c.pendingPublish, packetID)
	if c.pubRels != nil {
		c.pubRels.Add(packetID, msg.LogOffset)
	}
	c.notifyLocked()
	return true
}

// OnPubComp releases a PUBREL obligation, whether it was delivered in this
// round or carried over from an earlier one.
func (c *PackProcessingContext) OnPubComp(packetID uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, inRound := c.pendingPubRel[packetID]
	if inRound {
		delete(c.pendingPubRel, packetID)
		c.notifyLocked()
	}

	carried := c.pubRels != nil && c.pubRels.Remove(packetID)
	if !inRound && !carried {
		c.logger.Debug("PUBCOMP for unknown packet", slog.Int("packet_id", int(packetID)))
	}
	return inRound || carried
}

// Await blocks until every message of the round is resolved, the timeout
// elapses or ctx is done. It reports whether the round was fully resolved.
func (c *PackProcessingContext) Await(ctx context.Context, timeout time.Duration) bool {
	return c.wait(ctx, timeout, func() bool {
		return len(c.pendingPublish) == 0 && len(c.pendingPubRel) == 0
	})
}

// AwaitPacket blocks until packetID is resolved, the timeout elapses or ctx is
// done. IDs not tracked by the round count as resolved.
func (c *PackProcessingContext) AwaitPacket(ctx context.Context, packetID uint16, timeout time.Duration) bool {
	return c.wait(ctx, timeout, func() bool {
		_, pub := c.pendingPublish[packetID]
		_, rel := c.pendingPubRel[packetID]
		return !pub && !rel
	})
}

func (c *PackProcessingContext) wait(ctx context.Context, timeout time.Duration, done func() bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if done() {
			c.mu.Unlock()
			return true
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			c.mu.Lock()
			defer c.mu.Unlock()
			return done()
		case <-ctx.Done():
			return false
		}
	}
}

// Contains reports whether packetID is still pending in the round.
func (c *PackProcessingContext) Contains(packetID uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, pub := c.pendingPublish[packetID]
	_, rel := c.pendingPubRel[packetID]
	return pub || rel
}

// PendingPublish returns a copy of the unacknowledged publishes.
func (c *PackProcessingContext) PendingPublish() map[uint16]*PersistedPublishMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.pendingPublish)
}

// PendingPubRel returns a copy of the uncompleted PUBRELs of the round.
func (c *PackProcessingContext) PendingPubRel() map[uint16]*PersistedPubRelMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.pendingPubRel)
}

// Result snapshots the outcome of the round.
func (c *PackProcessingContext) Result(timedOut bool) *RoundResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &RoundResult{
		PendingPublish: maps.Clone(c.pendingPublish),
		PendingPubRel:  maps.Clone(c.pendingPubRel),
		TotalPublish:   c.totalPublish,
		TotalPubRel:    c.totalPubRel,
		TimedOut:       timedOut,
	}
}

// Clear drops all pending state and wakes any waiter.
func (c *PackProcessingContext) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.pendingPublish)
	clear(c.pendingPubRel)
	c.notifyLocked()
}

func (c *PackProcessingContext) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
