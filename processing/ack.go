// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package processing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Ack strategy names.
const (
	AckSkipAll  = "skip-all"
	AckRetryAll = "retry-all"
)

// AckStrategy turns the outcome of a round into a commit or retry decision.
// A strategy instance lives for one poll batch and may keep state across its
// retry rounds.
type AckStrategy interface {
	Analyze(ctx context.Context, result *RoundResult) Decision
}

// AckConfig selects and tunes an ack strategy.
type AckConfig struct {
	Type string

	// MaxRetries bounds retry rounds per batch; 0 retries until every message
	// is acknowledged.
	MaxRetries int

	PauseBetweenRetries time.Duration
}

// NewAckStrategy creates a fresh strategy for one poll batch of clientID.
func NewAckStrategy(cfg AckConfig, clientID string, logger *slog.Logger) (AckStrategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("client_id", clientID))

	switch cfg.Type {
	case AckSkipAll:
		return &SkipAllAckStrategy{logger: logger}, nil
	case "", AckRetryAll:
		return &RetryAllAckStrategy{
			maxRetries: cfg.MaxRetries,
			pause:      cfg.PauseBetweenRetries,
			logger:     logger,
		}, nil
	default:
		return nil, fmt.Errorf("ack strategy %q: %w", cfg.Type, ErrUnknownStrategy)
	}
}

// SkipAllAckStrategy commits after every round, abandoning whatever was not
// acknowledged in time.
type SkipAllAckStrategy struct {
	logger *slog.Logger
}

// Analyze always commits.
func (s *SkipAllAckStrategy) Analyze(_ context.Context, result *RoundResult) Decision {
	if !result.Resolved() {
		s.logger.Debug("Skipping unacknowledged messages",
			slog.Int("pending_publish", len(result.PendingPublish)),
			slog.Int("pending_pubrel", len(result.PendingPubRel)))
	}
	return Decision{Commit: true}
}

// RetryAllAckStrategy redelivers every unresolved message until all are
// acknowledged or the retry budget is spent.
type RetryAllAckStrategy struct {
	logger     *slog.Logger
	maxRetries int
	pause      time.Duration
	retries    int
}

// Analyze commits when the round is resolved, otherwise schedules a retry of
// the pending messages with publishes flagged as duplicates.
func (s *RetryAllAckStrategy) Analyze(ctx context.Context, result *RoundResult) Decision {
	if result.Resolved() {
		return Decision{Commit: true}
	}

	s.retries++
	if s.maxRetries > 0 && s.retries > s.maxRetries {
		s.logger.Debug("Retry budget exhausted, skipping unacknowledged messages",
			slog.Int("retries", s.maxRetries),
			slog.Int("pending", result.Pending()))
		return Decision{Commit: true}
	}

	if s.pause > 0 {
		timer := time.NewTimer(s.pause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	reprocess := make(map[uint16]PersistedMsg, result.Pending())
	for id, msg := range result.PendingPublish {
		reprocess[id] = msg.AsDuplicate()
	}
	for id, msg := range result.PendingPubRel {
		reprocess[id] = msg
	}

	s.logger.Debug("Retrying unacknowledged messages",
		slog.Int("attempt", s.retries),
		slog.Int("pending", len(reprocess)))

	return Decision{Reprocess: reprocess}
}
