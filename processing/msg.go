// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package processing holds the per-round machinery of application message
// redelivery: persisted message variants, the round tracker that collects
// acknowledgments, and the pluggable submit and acknowledgment strategies.
package processing

import (
	"cmp"
	"slices"
)

// PacketType is the MQTT packet a persisted message is delivered as.
type PacketType int

const (
	Publish PacketType = iota
	PubRel
)

func (t PacketType) String() string {
	switch t {
	case Publish:
		return "PUBLISH"
	case PubRel:
		return "PUBREL"
	default:
		return "UNKNOWN"
	}
}

// PersistedMsg is a message taking part in a delivery round.
type PersistedMsg interface {
	PacketID() uint16
	Offset() uint64
	Type() PacketType
}

// PersistedPublishMsg is a queued publish read from the client's log.
type PersistedPublishMsg struct {
	UserProperties map[string]string
	Topic          string
	Payload        []byte
	LogOffset      uint64
	ID             uint16
	QoS            byte
	Dup            bool
	Retain         bool
}

func (m *PersistedPublishMsg) PacketID() uint16 { return m.ID }
func (m *PersistedPublishMsg) Offset() uint64   { return m.LogOffset }
func (m *PersistedPublishMsg) Type() PacketType { return Publish }

// Tracked reports whether the publish expects an acknowledgment.
func (m *PersistedPublishMsg) Tracked() bool {
	return m.QoS > 0
}

// AsDuplicate returns a copy flagged as a redelivery.
func (m *PersistedPublishMsg) AsDuplicate() *PersistedPublishMsg {
	cp := *m
	cp.Dup = true
	return &cp
}

// PersistedPubRelMsg is a PUBREL owed to the client for a QoS 2 publish
// that was PUBREC'd but never PUBCOMP'd.
type PersistedPubRelMsg struct {
	LogOffset uint64
	ID        uint16
}

func (m *PersistedPubRelMsg) PacketID() uint16 { return m.ID }
func (m *PersistedPubRelMsg) Offset() uint64   { return m.LogOffset }
func (m *PersistedPubRelMsg) Type() PacketType { return PubRel }

// SortByOffset orders messages by log offset. On equal offsets a PUBREL
// precedes a PUBLISH, then lower packet IDs come first.
func SortByOffset(msgs []PersistedMsg) {
	slices.SortStableFunc(msgs, func(a, b PersistedMsg) int {
		if c := cmp.Compare(a.Offset(), b.Offset()); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Type(), a.Type()); c != 0 {
			return c
		}
		return cmp.Compare(a.PacketID(), b.PacketID())
	})
}
