// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session models the broker-side view of a connected MQTT client that
// the redelivery pipeline needs: the current session context, its packet ID
// sequencer and the connection state used to detect a superseded session.
package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State represents the connection state of a client.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Ctx identifies one connection of a client.
type Ctx struct {
	PacketIDs *PacketIDSequencer
	ClientID  string
	SessionID uuid.UUID
}

// NewCtx creates a context for a fresh connection of clientID.
func NewCtx(clientID string) *Ctx {
	return &Ctx{
		ClientID:  clientID,
		SessionID: uuid.New(),
		PacketIDs: NewPacketIDSequencer(0),
	}
}

// ClientState is the live state of a client as owned by the session layer.
type ClientState interface {
	ClientID() string
	CurrentSession() *Ctx
	CurrentState() State
}

// Active reports whether sessionID is still the connected session of the client.
func Active(cs ClientState, sessionID uuid.UUID) bool {
	sess := cs.CurrentSession()
	return sess != nil && sess.SessionID == sessionID && cs.CurrentState() == StateConnected
}

var _ ClientState = (*Client)(nil)

// Client is a concurrency-safe ClientState.
type Client struct {
	mu       sync.RWMutex
	clientID string
	current  *Ctx
	state    State
}

// NewClient creates a disconnected client.
func NewClient(clientID string) *Client {
	return &Client{clientID: clientID, state: StateDisconnected}
}

// ClientID returns the client identifier.
func (c *Client) ClientID() string {
	return c.clientID
}

// CurrentSession returns the context of the latest connection.
func (c *Client) CurrentSession() *Ctx {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// CurrentState returns the connection state.
func (c *Client) CurrentState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect installs a new session context and marks the client connected.
func (c *Client) Connect() *Ctx {
	sess := NewCtx(c.clientID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = sess
	c.state = StateConnected
	return sess
}

// SetState changes the connection state.
func (c *Client) SetState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// DisconnectReasonType classifies why the broker drops a client.
type DisconnectReasonType int

const (
	ReasonOnError DisconnectReasonType = iota
	ReasonOnDeliveryFailure
	ReasonOnConflictingSession
)

// String returns the reason type name.
func (t DisconnectReasonType) String() string {
	switch t {
	case ReasonOnError:
		return "on_error"
	case ReasonOnDeliveryFailure:
		return "on_delivery_failure"
	case ReasonOnConflictingSession:
		return "on_conflicting_session"
	default:
		return fmt.Sprintf("reason(%d)", int(t))
	}
}

// DisconnectReason explains a broker-initiated disconnect.
type DisconnectReason struct {
	Message string
	Type    DisconnectReasonType
}

func (r DisconnectReason) String() string {
	return r.Type.String() + ": " + r.Message
}
