// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/absmach/fluxmq-persist/config"
	"github.com/absmach/fluxmq-persist/persistence"
	"github.com/absmach/fluxmq-persist/ratelimit"
	"github.com/absmach/fluxmq-persist/server/otel"
	"github.com/absmach/fluxmq-persist/session"
	"github.com/absmach/fluxmq-persist/storage"
	"github.com/google/uuid"
)

// loopback plays the client side of the flows: it acknowledges what it
// receives after a delay, dropping a share of the acknowledgments.
type loopback struct {
	processor *persistence.Processor
	latency   time.Duration
	drop      float64
	logger    *slog.Logger
}

func (l *loopback) lost() bool {
	return l.drop > 0 && rand.Float64() < l.drop
}

func (l *loopback) SendPublish(sess *session.Ctx, packetID uint16, topic string, qos byte, dup bool, payload []byte) error {
	l.logger.Debug("PUBLISH",
		slog.Int("packet_id", int(packetID)),
		slog.String("topic", topic),
		slog.Int("qos", int(qos)),
		slog.Bool("dup", dup),
		slog.Int("size", len(payload)))

	if qos == 0 || l.lost() {
		return nil
	}
	time.AfterFunc(l.latency, func() {
		if qos == 1 {
			l.processor.OnPubAck(sess.ClientID, packetID)
			return
		}
		l.processor.OnPubRec(sess, packetID)
	})
	return nil
}

func (l *loopback) SendPubRel(sess *session.Ctx, packetID uint16) error {
	l.logger.Debug("PUBREL", slog.Int("packet_id", int(packetID)))

	if l.lost() {
		return nil
	}
	time.AfterFunc(l.latency, func() {
		l.processor.OnPubComp(sess.ClientID, packetID)
	})
	return nil
}

type disconnector struct {
	client *session.Client
	logger *slog.Logger
}

func (d *disconnector) Disconnect(clientID string, sessionID uuid.UUID, reason session.DisconnectReason) {
	d.logger.Warn("Client disconnected by processor",
		slog.String("client_id", clientID),
		slog.String("session_id", sessionID.String()),
		slog.String("reason", reason.String()))

	if sess := d.client.CurrentSession(); sess != nil && sess.SessionID == sessionID {
		d.client.SetState(session.StateDisconnected)
	}
}

func runSimulate(ctx context.Context, cfg *config.Config, store storage.Store, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	clientID := fs.String("client", "sim-client", "Client ID")
	messages := fs.Int("messages", 100, "Messages appended before the run")
	qos := fs.Uint("qos", 1, "QoS of the appended messages (0, 1, 2)")
	drop := fs.Float64("drop", 0.1, "Share of acknowledgments the client loses")
	latency := fs.Duration("latency", 5*time.Millisecond, "Client acknowledgment latency")
	reconnect := fs.Duration("reconnect", 0, "Reconnect the client with a new session at this period (0 disables)")
	duration := fs.Duration("duration", 30*time.Second, "Maximum run time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *qos > 2 {
		return fmt.Errorf("invalid QoS %d", *qos)
	}
	if *drop < 0 || *drop >= 1 {
		return errors.New("-drop must be in [0, 1)")
	}

	logger := slog.Default().With(slog.String("client_id", *clientID))

	if cfg.Metrics.Enabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Metrics, uuid.NewString())
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("Failed to shutdown OpenTelemetry", "error", err)
			}
		}()
	}

	metrics, err := otel.NewMetrics()
	if err != nil {
		return err
	}

	client := session.NewClient(*clientID)
	transport := &loopback{latency: *latency, drop: *drop, logger: logger}
	limiter := ratelimit.NewManager(ratelimit.Config{
		Enabled: cfg.RateLimit.Enabled,
		Rate:    cfg.RateLimit.Rate,
		Burst:   cfg.RateLimit.Burst,
	})

	p := persistence.New(store.Log(), store.Contexts(), transport, &disconnector{client: client, logger: logger}, cfg.Delivery,
		persistence.WithLogger(slog.Default()),
		persistence.WithStats(metrics),
		persistence.WithRateLimiter(limiter),
		persistence.WithTracer(otel.Tracer()))
	transport.processor = p

	// A group without a committed offset starts at the end of the log, so
	// pin it before appending the backlog.
	if err := pinGroup(ctx, store.Log(), *clientID); err != nil {
		return err
	}
	for i := range *messages {
		_, err := persistence.Enqueue(ctx, store.Log(), *clientID, &storage.PublishRecord{
			Topic:   "sim/" + *clientID,
			Payload: []byte(fmt.Sprintf("message %d", i)),
			QoS:     byte(*qos),
		})
		if err != nil {
			return err
		}
	}

	client.Connect()
	if err := p.Start(client); err != nil {
		return err
	}

	err = simulate(ctx, p, client, store.Log(), *duration, *reconnect, logger)

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Delivery.ShutdownTimeout)
	defer cancel()
	if serr := p.Shutdown(sctx); serr != nil {
		err = errors.Join(err, serr)
	}
	if err != nil {
		return err
	}

	return runInspect(context.Background(), cfg, store, []string{"-client", *clientID})
}

func pinGroup(ctx context.Context, log storage.LogStore, clientID string) error {
	topic := persistence.ClientTopic(clientID)
	group := persistence.ConsumerGroup(clientID)

	_, ok, err := log.CommittedOffset(ctx, group, topic, 0)
	if err != nil || ok {
		return err
	}
	end, err := log.EndOffset(ctx, topic, 0)
	if err != nil {
		return err
	}
	return log.Commit(ctx, group, topic, 0, end)
}

// simulate waits until the client's backlog is committed, the client is
// disconnected or the run times out, reconnecting it periodically.
func simulate(ctx context.Context, p *persistence.Processor, client *session.Client, log storage.LogStore, duration, reconnect time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	check := time.NewTicker(100 * time.Millisecond)
	defer check.Stop()

	var reconnectC <-chan time.Time
	if reconnect > 0 {
		t := time.NewTicker(reconnect)
		defer t.Stop()
		reconnectC = t.C
	}

	topic := persistence.ClientTopic(client.ClientID())
	group := persistence.ConsumerGroup(client.ClientID())

	for {
		select {
		case <-ctx.Done():
			logger.Warn("Simulation stopped before the backlog was committed")
			return nil
		case <-reconnectC:
			client.SetState(session.StateDisconnected)
			p.Stop(client.ClientID())
			sess := client.Connect()
			logger.Info("Client reconnected", slog.String("session_id", sess.SessionID.String()))
			if err := p.Start(client); err != nil {
				return err
			}
		case <-check.C:
			if client.CurrentState() != session.StateConnected {
				return nil
			}
			end, err := log.EndOffset(ctx, topic, 0)
			if err != nil {
				return err
			}
			committed, ok, err := log.CommittedOffset(ctx, group, topic, 0)
			if err != nil {
				return err
			}
			if ok && committed >= end {
				logger.Info("Backlog committed", slog.Uint64("offset", committed))
				return nil
			}
		}
	}
}
