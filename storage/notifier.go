// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"strconv"
	"sync"
)

// Notifier wakes up goroutines waiting for appends on a log partition.
// Every Notify closes the current channel and installs a fresh one.
type Notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

// NewNotifier creates a new notifier.
func NewNotifier() *Notifier {
	return &Notifier{chans: make(map[string]chan struct{})}
}

// Wait returns a channel closed on the next Notify for the partition.
func (n *Notifier) Wait(topic string, partition int) <-chan struct{} {
	key := notifyKey(topic, partition)

	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.chans[key]
	if !ok {
		ch = make(chan struct{})
		n.chans[key] = ch
	}
	return ch
}

// Notify releases all current waiters of the partition.
func (n *Notifier) Notify(topic string, partition int) {
	key := notifyKey(topic, partition)

	n.mu.Lock()
	defer n.mu.Unlock()

	if ch, ok := n.chans[key]; ok {
		close(ch)
		delete(n.chans, key)
	}
}

func notifyKey(topic string, partition int) string {
	return topic + "/" + strconv.Itoa(partition)
}
