// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ClientRateLimiter paces backlog redelivery for individual MQTT clients so a
// reconnecting client with a large backlog is not flooded.
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewClientRateLimiter creates a new client-based rate limiter.
// rate is messages per second per client, burst is the burst allowance.
func NewClientRateLimiter(r float64, burst int) *ClientRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

func (l *ClientRateLimiter) limiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = limiter
	}
	return limiter
}

// Allow checks if a delivery to the given client is allowed right now.
func (l *ClientRateLimiter) Allow(clientID string) bool {
	return l.limiter(clientID).Allow()
}

// Wait blocks until a delivery to the client is allowed or ctx is done.
func (l *ClientRateLimiter) Wait(ctx context.Context, clientID string) error {
	return l.limiter(clientID).Wait(ctx)
}

// RemoveClient removes the rate limiter of a stopped client.
func (l *ClientRateLimiter) RemoveClient(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // deliveries per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Rate:    1000, // 1000 messages per second per client
		Burst:   100,
	}
}

// Manager gates deliveries according to Config. A disabled manager never blocks.
type Manager struct {
	client   *ClientRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled || cfg.Rate <= 0 {
		return &Manager{disabled: true}
	}
	return &Manager{client: NewClientRateLimiter(cfg.Rate, cfg.Burst)}
}

// WaitDelivery blocks until the next delivery to clientID is allowed.
func (m *Manager) WaitDelivery(ctx context.Context, clientID string) error {
	if m == nil || m.disabled {
		return nil
	}
	return m.client.Wait(ctx, clientID)
}

// OnClientStop cleans up rate limiters for a stopped client.
func (m *Manager) OnClientStop(clientID string) {
	if m == nil || m.disabled {
		return
	}
	m.client.RemoveClient(clientID)
}
