// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"time"

	"github.com/absmach/fluxmq-persist/session"
	"github.com/google/uuid"
)

// Transport sends packets to a connected client. Implementations must be safe
// for concurrent use: PUBRELs answering PUBRECs are sent from the caller of
// OnPubRec while the client's loop is delivering.
type Transport interface {
	SendPublish(sess *session.Ctx, packetID uint16, topic string, qos byte, dup bool, payload []byte) error
	SendPubRel(sess *session.Ctx, packetID uint16) error
}

// Disconnector drops a client session with a reason.
type Disconnector interface {
	Disconnect(clientID string, sessionID uuid.UUID, reason session.DisconnectReason)
}

// Stats receives processing statistics. server/otel.Metrics implements it.
type Stats interface {
	ProcessorStarted()
	ProcessorStopped()
	RecordDelivered(pubRel bool, qos byte)
	RecordRound(acked, pending int, commit, timedOut bool, d time.Duration)
	RecordStaleAck(packetType string)
	RecordError(errorType string)
}

type noopStats struct{}

func (noopStats) ProcessorStarted()                               {}
func (noopStats) ProcessorStopped()                               {}
func (noopStats) RecordDelivered(bool, byte)                      {}
func (noopStats) RecordRound(int, int, bool, bool, time.Duration) {}
func (noopStats) RecordStaleAck(string)                           {}
func (noopStats) RecordError(string)                              {}
