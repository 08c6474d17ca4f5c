// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"sync"

	"github.com/absmach/fluxmq-persist/processing"
	"github.com/google/uuid"
)

// task is the handle of one client's running loop.
type task struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	clientID  string
	sessionID uuid.UUID
}

// registry owns the per-client shared state: running tasks and the round
// context acknowledgments are routed to. Clients never share entries.
type registry struct {
	mu       sync.RWMutex
	tasks    map[string]*task
	contexts map[string]*processing.PackProcessingContext
}

func newRegistry() *registry {
	return &registry{
		tasks:    make(map[string]*task),
		contexts: make(map[string]*processing.PackProcessingContext),
	}
}

// putTask installs t and returns the task it replaced, if any.
func (r *registry) putTask(t *task) *task {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.tasks[t.clientID]
	r.tasks[t.clientID] = t
	return prev
}

func (r *registry) task(clientID string) (*task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[clientID]
	return t, ok
}

// takeTask removes and returns the task of a client.
func (r *registry) takeTask(clientID string) (*task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[clientID]
	delete(r.tasks, clientID)
	return t, ok
}

// removeTask removes t only if it is still the client's current task.
func (r *registry) removeTask(t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tasks[t.clientID] == t {
		delete(r.tasks, t.clientID)
	}
}

// takeAllTasks empties the task map and returns its content.
func (r *registry) takeAllTasks() []*task {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make([]*task, 0, len(r.tasks))
	for id, t := range r.tasks {
		tasks = append(tasks, t)
		delete(r.tasks, id)
	}
	return tasks
}

func (r *registry) clientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) putContext(clientID string, c *processing.PackProcessingContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[clientID] = c
}

func (r *registry) context(clientID string) *processing.PackProcessingContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contexts[clientID]
}

// removeContext removes c only if it is still the client's current context.
func (r *registry) removeContext(clientID string, c *processing.PackProcessingContext) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.contexts[clientID] == c {
		delete(r.contexts, clientID)
	}
}
