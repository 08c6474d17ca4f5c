// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package processing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Submit strategy names.
const (
	SubmitBurst      = "burst"
	SubmitSequential = "sequential"
)

// ErrUnknownStrategy is returned by the strategy factories for unknown names.
var ErrUnknownStrategy = errors.New("unknown strategy")

// DeliverFunc hands one message to the transport.
type DeliverFunc func(msg PersistedMsg) error

// Awaiter waits for a single packet of the current round to be resolved.
type Awaiter interface {
	AwaitPacket(ctx context.Context, packetID uint16, timeout time.Duration) bool
}

// SubmitStrategy decides the order and pacing in which a round is delivered.
// Every message passed to Init takes part in each round until Update leaves
// it out.
type SubmitStrategy interface {
	// Init replaces the pending set with msgs, keeping their order.
	Init(msgs []PersistedMsg)

	// Pending returns the messages of the next round in delivery order.
	Pending() []PersistedMsg

	// Process delivers every pending message exactly once.
	Process(ctx context.Context, awaiter Awaiter, deliver DeliverFunc) error

	// Update narrows the pending set to the reprocess subset, keeping the
	// relative order and taking the new message values.
	Update(reprocess map[uint16]PersistedMsg)
}

// SubmitConfig selects and tunes a submit strategy.
type SubmitConfig struct {
	Type string

	// PerMessageTimeout bounds the wait between two sequential deliveries.
	PerMessageTimeout time.Duration
}

// NewSubmitStrategy creates a fresh strategy for one poll batch.
func NewSubmitStrategy(cfg SubmitConfig) (SubmitStrategy, error) {
	switch cfg.Type {
	case "", SubmitBurst:
		return &BurstSubmitStrategy{}, nil
	case SubmitSequential:
		timeout := cfg.PerMessageTimeout
		if timeout <= 0 {
			timeout = time.Second
		}
		return &SequentialSubmitStrategy{perMessageTimeout: timeout}, nil
	default:
		return nil, fmt.Errorf("submit strategy %q: %w", cfg.Type, ErrUnknownStrategy)
	}
}

// orderedSet is the pending list shared by the strategies.
type orderedSet struct {
	msgs []PersistedMsg
}

func (s *orderedSet) Init(msgs []PersistedMsg) {
	s.msgs = append(make([]PersistedMsg, 0, len(msgs)), msgs...)
}

func (s *orderedSet) Pending() []PersistedMsg {
	return append([]PersistedMsg(nil), s.msgs...)
}

func (s *orderedSet) Update(reprocess map[uint16]PersistedMsg) {
	kept := s.msgs[:0]
	for _, msg := range s.msgs {
		if next, ok := reprocess[msg.PacketID()]; ok {
			kept = append(kept, next)
		}
	}
	clear(s.msgs[len(kept):])
	s.msgs = kept
}

// BurstSubmitStrategy delivers the whole round at once in log order.
type BurstSubmitStrategy struct {
	orderedSet
}

// Process delivers all pending messages without waiting in between.
func (s *BurstSubmitStrategy) Process(ctx context.Context, _ Awaiter, deliver DeliverFunc) error {
	for _, msg := range s.msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := deliver(msg); err != nil {
			return fmt.Errorf("deliver %s %d: %w", msg.Type(), msg.PacketID(), err)
		}
	}
	return nil
}

// SequentialSubmitStrategy keeps at most one message in flight: after each
// delivery it waits, up to a bounded time, for the message to be resolved.
// An unresolved message never holds back the rest of the round.
type SequentialSubmitStrategy struct {
	orderedSet
	perMessageTimeout time.Duration
}

// Process delivers pending messages one at a time.
func (s *SequentialSubmitStrategy) Process(ctx context.Context, awaiter Awaiter, deliver DeliverFunc) error {
	for _, msg := range s.msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := deliver(msg); err != nil {
			return fmt.Errorf("deliver %s %d: %w", msg.Type(), msg.PacketID(), err)
		}
		if awaiter != nil {
			awaiter.AwaitPacket(ctx, msg.PacketID(), s.perMessageTimeout)
		}
	}
	return nil
}
