// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"sync/atomic"
)

const maxPacketIDs = 65535

// ErrPacketIDsExhausted is returned when every non-zero packet ID is in use.
var ErrPacketIDsExhausted = errors.New("all packet IDs are in use")

// PacketIDSequencer hands out MQTT packet IDs for one session. IDs wrap from
// 65535 back to 1; 0 is reserved.
type PacketIDSequencer struct {
	last atomic.Uint32
}

// NewPacketIDSequencer returns a sequencer whose next ID follows seed.
func NewPacketIDSequencer(seed uint16) *PacketIDSequencer {
	s := &PacketIDSequencer{}
	s.last.Store(uint32(seed))
	return s
}

// Update moves the watermark so the next ID follows seed.
func (s *PacketIDSequencer) Update(seed uint16) {
	s.last.Store(uint32(seed))
}

// Last returns the most recently assigned packet ID.
func (s *PacketIDSequencer) Last() uint16 {
	return uint16(s.last.Load() & 0xFFFF)
}

// Next generates the next packet ID, skipping IDs for which inUse reports true.
// inUse may be nil.
func (s *PacketIDSequencer) Next(inUse func(uint16) bool) (uint16, error) {
	for range maxPacketIDs + 1 {
		id16 := uint16(s.last.Add(1) & 0xFFFF)
		if id16 == 0 {
			continue // Packet ID 0 is reserved
		}
		if inUse == nil || !inUse(id16) {
			return id16, nil
		}
	}
	return 0, ErrPacketIDsExhausted
}
