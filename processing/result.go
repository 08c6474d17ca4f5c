// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package processing

import (
	"slices"
)

// RoundResult is the outcome of a delivery round handed to an AckStrategy.
type RoundResult struct {
	PendingPublish map[uint16]*PersistedPublishMsg
	PendingPubRel  map[uint16]*PersistedPubRelMsg
	TotalPublish   int
	TotalPubRel    int

	// TimedOut is true when the round stopped waiting before every message
	// was resolved.
	TimedOut bool
}

// Pending returns the number of unresolved messages.
func (r *RoundResult) Pending() int {
	return len(r.PendingPublish) + len(r.PendingPubRel)
}

// Acknowledged returns the number of resolved messages.
func (r *RoundResult) Acknowledged() int {
	return r.TotalPublish + r.TotalPubRel - r.Pending()
}

// Resolved reports whether nothing is left pending.
func (r *RoundResult) Resolved() bool {
	return r.Pending() == 0
}

// PendingIDs returns the unresolved packet IDs in ascending order.
func (r *RoundResult) PendingIDs() []uint16 {
	ids := make([]uint16, 0, r.Pending())
	for id := range r.PendingPublish {
		ids = append(ids, id)
	}
	for id := range r.PendingPubRel {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// PendingMessages returns the unresolved messages keyed by packet ID.
func (r *RoundResult) PendingMessages() map[uint16]PersistedMsg {
	msgs := make(map[uint16]PersistedMsg, r.Pending())
	for id, m := range r.PendingPublish {
		msgs[id] = m
	}
	for id, m := range r.PendingPubRel {
		msgs[id] = m
	}
	return msgs
}

// Decision tells the round driver whether to commit the log position or to
// redeliver a subset of the round.
type Decision struct {
	Reprocess map[uint16]PersistedMsg
	Commit    bool
}

// Sanitize makes the decision well formed against the round's messages:
// unknown reprocess IDs are dropped and a commit carries no reprocess set.
// When no valid ID is left, the still pending messages of res are retried, or
// the round commits if nothing is pending. It returns the dropped IDs.
func (d Decision) Sanitize(round map[uint16]PersistedMsg, res *RoundResult) (Decision, []uint16) {
	if d.Commit {
		return Decision{Commit: true}, nil
	}

	var dropped []uint16
	reprocess := make(map[uint16]PersistedMsg, len(d.Reprocess))
	for id, msg := range d.Reprocess {
		orig, ok := round[id]
		if !ok || msg == nil || msg.PacketID() != id || orig.Type() != msg.Type() || orig.Offset() != msg.Offset() {
			dropped = append(dropped, id)
			continue
		}
		reprocess[id] = msg
	}
	slices.Sort(dropped)

	if len(reprocess) > 0 {
		return Decision{Reprocess: reprocess}, dropped
	}
	if res == nil || res.Resolved() {
		return Decision{Commit: true}, dropped
	}
	return Decision{Reprocess: res.PendingMessages()}, dropped
}
