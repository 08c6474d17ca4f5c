// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package persistence redelivers the persisted QoS 1 and QoS 2 messages of
// application clients. Each connected client gets one loop that polls its log,
// delivers the messages in rounds and commits the log position only once the
// active ack strategy allows it.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxmq-persist/config"
	"github.com/absmach/fluxmq-persist/ratelimit"
	"github.com/absmach/fluxmq-persist/session"
	"github.com/absmach/fluxmq-persist/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/fluxmq-persist/persistence"

// Processor drives the persisted message loops of all application clients.
type Processor struct {
	log          storage.LogStore
	contexts     storage.ContextStore
	transport    Transport
	disconnector Disconnector
	cfg          config.DeliveryConfig

	registry *registry
	limiter  *ratelimit.Manager
	stats    Stats
	tracer   trace.Tracer
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStats sets the statistics sink.
func WithStats(stats Stats) Option {
	return func(p *Processor) {
		if stats != nil {
			p.stats = stats
		}
	}
}

// WithRateLimiter throttles deliveries per client.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(p *Processor) {
		p.limiter = m
	}
}

// WithTracer sets the tracer used for delivery round spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) {
		if t != nil {
			p.tracer = t
		}
	}
}

// New creates a Processor over a log and a context store.
func New(log storage.LogStore, contexts storage.ContextStore, transport Transport, disconnector Disconnector, cfg config.DeliveryConfig, opts ...Option) *Processor {
	p := &Processor{
		log:          log,
		contexts:     contexts,
		transport:    transport,
		disconnector: disconnector,
		cfg:          withDefaults(cfg),
		registry:     newRegistry(),
		stats:        noopStats{},
		tracer:       otel.Tracer(tracerName),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func withDefaults(cfg config.DeliveryConfig) config.DeliveryConfig {
	def := config.Default().Delivery
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = def.MaxPollRecords
	}
	if cfg.PackProcessingTimeout <= 0 {
		cfg.PackProcessingTimeout = def.PackProcessingTimeout
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff.InitialInterval = def.Backoff.InitialInterval
	}
	if cfg.Backoff.MaxInterval <= 0 {
		cfg.Backoff.MaxInterval = def.Backoff.MaxInterval
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if cfg.CircuitBreaker.ResetTimeout <= 0 {
		cfg.CircuitBreaker.ResetTimeout = def.CircuitBreaker.ResetTimeout
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = def.SaveTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return cfg
}

// Start launches the persisted message loop of a connected client. A loop
// still running for an earlier session of the same client is cancelled, and
// the new loop waits for it to persist its context before loading it.
func (p *Processor) Start(client session.ClientState) error {
	sess := client.CurrentSession()
	if sess == nil {
		return fmt.Errorf("client %s: %w", client.ClientID(), ErrNotRunning)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		clientID:  client.ClientID(),
		sessionID: sess.SessionID,
	}

	prev := p.registry.putTask(t)
	if prev != nil {
		prev.cancel()
	}

	p.logger.Debug("Starting persisted messages processing",
		slog.String("client_id", t.clientID),
		slog.String("session_id", t.sessionID.String()))

	go func() {
		defer p.wg.Done()
		p.runTask(t, client, sess, prev)
	}()

	return nil
}

// Stop cancels the loop of a client and waits, bounded by the shutdown
// timeout, for it to persist its context.
func (p *Processor) Stop(clientID string) {
	t, ok := p.registry.takeTask(clientID)
	if !ok {
		p.logger.Debug("No persisted messages processing to stop", slog.String("client_id", clientID))
		return
	}

	t.cancel()
	if !p.waitTask(t, p.cfg.ShutdownTimeout) {
		p.logger.Warn("Timed out waiting for persisted messages processing to stop",
			slog.String("client_id", clientID),
			slog.Duration("timeout", p.cfg.ShutdownTimeout))
	}
}

// ClearPersistedMessages stops the client's loop and erases its committed
// offsets and redelivery context. The next start behaves as a brand-new client.
// The loop must have persisted its context before anything is erased, so this
// waits for it until ctx is done.
func (p *Processor) ClearPersistedMessages(ctx context.Context, clientID string) error {
	if t, ok := p.registry.takeTask(clientID); ok {
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("client %s: persisted messages processing did not stop: %w", clientID, ctx.Err())
		}
	}

	var errs []error
	if err := p.log.DeleteConsumerGroup(ctx, ConsumerGroup(clientID)); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete consumer group: %w", err))
	}
	if err := p.contexts.Clear(ctx, clientID); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear persisted context: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Error("Failed to clear persisted messages",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		return err
	}

	p.logger.Info("Cleared persisted messages", slog.String("client_id", clientID))
	return nil
}

// OnPubAck routes a PUBACK to the client's current round.
func (p *Processor) OnPubAck(clientID string, packetID uint16) {
	round := p.registry.context(clientID)
	if round == nil {
		p.logger.Warn("Received PUBACK without persisted messages processing",
			slog.String("client_id", clientID),
			slog.Int("packet_id", int(packetID)))
		p.stats.RecordStaleAck("puback")
		return
	}
	if !round.OnPubAck(packetID) {
		p.stats.RecordStaleAck("puback")
	}
}

// OnPubRec routes a PUBREC to the client's current round and answers it with
// a PUBREL. A PUBREC that matches nothing is still answered so the client can
// finish the flow on its side.
func (p *Processor) OnPubRec(sess *session.Ctx, packetID uint16) {
	round := p.registry.context(sess.ClientID)
	switch {
	case round == nil:
		p.logger.Warn("Received PUBREC without persisted messages processing",
			slog.String("client_id", sess.ClientID),
			slog.Int("packet_id", int(packetID)))
		p.stats.RecordStaleAck("pubrec")
	case !round.OnPubRec(packetID):
		p.stats.RecordStaleAck("pubrec")
	}

	if err := p.transport.SendPubRel(sess, packetID); err != nil {
		p.logger.Warn("Failed to send PUBREL",
			slog.String("client_id", sess.ClientID),
			slog.Int("packet_id", int(packetID)),
			slog.String("error", err.Error()))
		return
	}
	p.stats.RecordDelivered(true, 2)
}

// OnPubComp routes a PUBCOMP to the client's current round.
func (p *Processor) OnPubComp(clientID string, packetID uint16) {
	round := p.registry.context(clientID)
	if round == nil {
		p.logger.Warn("Received PUBCOMP without persisted messages processing",
			slog.String("client_id", clientID),
			slog.Int("packet_id", int(packetID)))
		p.stats.RecordStaleAck("pubcomp")
		return
	}
	if !round.OnPubComp(packetID) {
		p.stats.RecordStaleAck("pubcomp")
	}
}

// ActiveClients returns the IDs of clients with a running loop.
func (p *Processor) ActiveClients() []string {
	return p.registry.clientIDs()
}

// Running reports whether a client has a running loop.
func (p *Processor) Running(clientID string) bool {
	_, ok := p.registry.task(clientID)
	return ok
}

// Shutdown stops every loop. Contexts are persisted by the loops themselves;
// Shutdown returns ctx's error if they do not finish in time.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	tasks := p.registry.takeAllTasks()
	for _, t := range tasks {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Persisted messages processing stopped", slog.Int("clients", len(tasks)))
		return nil
	case <-ctx.Done():
		p.logger.Error("Persisted messages processing did not stop in time", slog.Int("clients", len(tasks)))
		return ctx.Err()
	}
}

func (p *Processor) waitTask(t *task, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Processor) runTask(t *task, client session.ClientState, sess *session.Ctx, prev *task) {
	defer close(t.done)
	defer p.registry.removeTask(t)

	logger := p.logger.With(
		slog.String("client_id", t.clientID),
		slog.String("session_id", t.sessionID.String()))

	// done must imply that every earlier loop of the client has exited.
	if prev != nil {
		<-prev.done
		if t.ctx.Err() != nil {
			return
		}
	}

	l, err := p.startLoop(t.ctx, client, sess, logger)
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		err = fmt.Errorf("%w: %w", ErrStartup, err)
		logger.Error("Failed to start persisted messages processing", slog.String("error", err.Error()))
		p.stats.RecordError(errorType(err))
		p.disconnect(sess, session.ReasonOnError, err)
		return
	}
	defer l.close()

	l.run(t.ctx)
}

func (p *Processor) disconnect(sess *session.Ctx, reason session.DisconnectReasonType, err error) {
	if p.disconnector == nil {
		return
	}
	p.disconnector.Disconnect(sess.ClientID, sess.SessionID, session.DisconnectReason{
		Type:    reason,
		Message: err.Error(),
	})
}
