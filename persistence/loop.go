// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxmq-persist/consumer"
	"github.com/absmach/fluxmq-persist/processing"
	"github.com/absmach/fluxmq-persist/session"
	"github.com/absmach/fluxmq-persist/storage"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// clientLoop is the state of one client's loop. Apart from the round context
// and the PUBREL set, which acknowledgments reach through the registry, it is
// only touched by the loop goroutine.
type clientLoop struct {
	p        *Processor
	client   session.ClientState
	sess     *session.Ctx
	clientID string
	logger   *slog.Logger

	consumer *consumer.Consumer
	breaker  *gobreaker.CircuitBreaker

	offsetToPacketID map[uint64]uint16
	pubRels          *processing.PubRelSet
	round            *processing.PackProcessingContext

	firstCommitted bool
	// Carried PUBREL obligations are resent on start even when the log has
	// nothing new. Later they ride along with new batches.
	resendPubRels bool
}

func (p *Processor) startLoop(ctx context.Context, client session.ClientState, sess *session.Ctx, logger *slog.Logger) (*clientLoop, error) {
	clientID := client.ClientID()

	msgCtx, err := p.contexts.Load(ctx, clientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		msgCtx = storage.NewPersistedMsgCtx()
	case err != nil:
		return nil, fmt.Errorf("failed to load persisted context: %w", err)
	}
	msgCtx.Normalize()

	sess.PacketIDs.Update(msgCtx.LastPacketID)

	c := consumer.New(p.log, ClientTopic(clientID), ConsumerGroup(clientID),
		consumer.WithMaxPollRecords(p.cfg.MaxPollRecords))

	if err := initCommittedOffset(ctx, c); err != nil {
		c.UnsubscribeAndClose()
		return nil, err
	}
	if err := c.AssignPartition(ctx, partition); err != nil {
		c.UnsubscribeAndClose()
		return nil, fmt.Errorf("failed to assign partition: %w", err)
	}

	l := &clientLoop{
		p:                p,
		client:           client,
		sess:             sess,
		clientID:         clientID,
		logger:           logger,
		consumer:         c,
		offsetToPacketID: msgCtx.OffsetToPacketID,
		pubRels:          processing.NewPubRelSet(msgCtx.PubRelPacketIDs),
		resendPubRels:    len(msgCtx.PubRelPacketIDs) > 0,
	}
	l.pruneOffsets(c.Position())
	l.breaker = l.newBreaker()

	// Acknowledgments of carried PUBREL obligations can arrive before the
	// first round is built.
	l.round = processing.NewPackProcessingContext(nil, l.pubRels, logger)
	p.registry.putContext(clientID, l.round)

	p.stats.ProcessorStarted()
	logger.Info("Started persisted messages processing",
		slog.Uint64("offset", c.Position()),
		slog.Int("pending_pubrel", l.pubRels.Len()),
		slog.Int("last_packet_id", int(msgCtx.LastPacketID)))

	return l, nil
}

// initCommittedOffset makes a group without a committed offset start at the
// end of the log, so messages appended before the first connection of the
// group are not delivered.
func initCommittedOffset(ctx context.Context, c *consumer.Consumer) error {
	_, ok, err := c.CommittedOffset(ctx, c.Topic(), partition)
	if err != nil {
		return fmt.Errorf("failed to read committed offset: %w", err)
	}
	if ok {
		return nil
	}

	end, err := c.EndOffset(ctx, c.Topic(), partition)
	if err != nil {
		return fmt.Errorf("failed to read end offset: %w", err)
	}
	if err := c.CommitOffset(ctx, partition, end); err != nil {
		return fmt.Errorf("failed to commit end offset: %w", err)
	}
	return nil
}

func (l *clientLoop) newBreaker() *gobreaker.CircuitBreaker {
	cfg := l.p.cfg.CircuitBreaker
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        l.clientID,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("Delivery circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

func (l *clientLoop) active(ctx context.Context) bool {
	return ctx.Err() == nil && session.Active(l.client, l.sess.SessionID)
}

func (l *clientLoop) newBackoff() *backoff.ExponentialBackOff {
	cfg := l.p.cfg.Backoff
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	return b
}

func (l *clientLoop) run(ctx context.Context) {
	bo := l.newBackoff()

	for l.active(ctx) {
		err := l.iterate(ctx)
		if err == nil {
			bo.Reset()
			continue
		}
		if !l.active(ctx) {
			return
		}

		l.p.stats.RecordError(errorType(err))

		switch classify(ctx, err) {
		case classStopped:
			return
		case classFatal:
			l.logger.Error("Persisted messages processing failed", slog.String("error", err.Error()))
			reason := session.ReasonOnError
			if errors.Is(err, ErrDeliveryBreakerOpen) {
				reason = session.ReasonOnDeliveryFailure
			}
			l.p.disconnect(l.sess, reason, err)
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = bo.MaxInterval
		}
		l.logger.Warn("Failed to process persisted messages, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay))

		// Redeliver everything after the committed offset on the next
		// iteration with the packet IDs already assigned.
		if err := l.consumer.Rewind(ctx); err != nil {
			l.logger.Warn("Failed to rewind consumer", slog.String("error", err.Error()))
		}
		if !sleep(ctx, delay) {
			return
		}
	}
}

// iterate polls one batch and runs delivery rounds until the ack strategy
// allows committing it.
func (l *clientLoop) iterate(ctx context.Context) error {
	records, err := l.consumer.Poll(ctx, l.p.cfg.PollInterval)
	if err != nil {
		return err
	}
	if len(records) == 0 && (!l.resendPubRels || l.pubRels.Len() == 0) {
		return nil
	}

	if len(records) > 0 && !l.firstCommitted {
		if err := l.consumer.CommitOffset(ctx, partition, records[0].Offset); err != nil {
			return fmt.Errorf("failed to commit first offset: %w", err)
		}
		l.firstCommitted = true
	}

	msgs, err := l.buildRound(records)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		l.resendPubRels = false
		return nil
	}

	submit, err := processing.NewSubmitStrategy(processing.SubmitConfig{
		Type:              l.p.cfg.SubmitStrategy,
		PerMessageTimeout: l.p.cfg.SequentialMessageTimeout,
	})
	if err != nil {
		return err
	}
	ack, err := processing.NewAckStrategy(processing.AckConfig{
		Type:                l.p.cfg.AckStrategy,
		MaxRetries:          l.p.cfg.MaxRetries,
		PauseBetweenRetries: l.p.cfg.PauseBetweenRetries,
	}, l.clientID, l.logger)
	if err != nil {
		return err
	}
	submit.Init(msgs)

	for {
		if !l.active(ctx) {
			return nil
		}
		commit, err := l.processRound(ctx, submit, ack)
		if err != nil {
			return err
		}
		if commit {
			break
		}
	}

	if !l.active(ctx) {
		return nil
	}
	if err := l.consumer.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit offset: %w", err)
	}
	l.pruneOffsets(l.consumer.Position())
	l.resendPubRels = false
	return nil
}

// buildRound turns polled records into publishes with stable packet IDs and
// merges in the open PUBREL obligations, ordered by log offset.
func (l *clientLoop) buildRound(records []*storage.LogMessage) ([]processing.PersistedMsg, error) {
	inPubRel := l.pubRels.Offsets()

	used := make(map[uint16]struct{}, len(l.offsetToPacketID)+len(inPubRel))
	for _, id := range l.offsetToPacketID {
		used[id] = struct{}{}
	}
	for _, id := range inPubRel {
		used[id] = struct{}{}
	}
	inUse := func(id uint16) bool {
		_, ok := used[id]
		return ok
	}

	msgs := make([]processing.PersistedMsg, 0, len(records)+len(inPubRel))
	for _, rec := range records {
		if _, ok := inPubRel[rec.Offset]; ok {
			// Already PUBREC'd; only its PUBREL is owed.
			continue
		}
		pub := rec.Publish
		if pub == nil {
			return nil, fmt.Errorf("record at offset %d: %w", rec.Offset, storage.ErrCorrupted)
		}

		msg := &processing.PersistedPublishMsg{
			UserProperties: pub.UserProperties,
			Topic:          pub.Topic,
			Payload:        pub.Payload,
			LogOffset:      rec.Offset,
			QoS:            pub.QoS,
			Retain:         pub.Retain,
		}
		if msg.Tracked() {
			if id, ok := l.offsetToPacketID[rec.Offset]; ok {
				msg.ID = id
				msg.Dup = true
			} else {
				id, err := l.sess.PacketIDs.Next(inUse)
				if err != nil {
					return nil, err
				}
				used[id] = struct{}{}
				l.offsetToPacketID[rec.Offset] = id
				msg.ID = id
			}
		}
		msgs = append(msgs, msg)
	}

	msgs = append(msgs, l.pubRels.Messages()...)
	processing.SortByOffset(msgs)
	return msgs, nil
}

// processRound delivers the pending messages once, waits for their
// acknowledgments and applies the ack strategy. It reports whether the batch
// may be committed.
func (l *clientLoop) processRound(ctx context.Context, submit processing.SubmitStrategy, ack processing.AckStrategy) (bool, error) {
	start := time.Now()
	pending := submit.Pending()

	ctx, span := l.p.tracer.Start(ctx, "persistence.round",
		trace.WithAttributes(
			attribute.String("client_id", l.clientID),
			attribute.Int("messages", len(pending))))
	defer span.End()

	round := processing.NewPackProcessingContext(pending, l.pubRels, l.logger)
	l.round = round
	l.p.registry.putContext(l.clientID, round)

	if err := submit.Process(ctx, round, l.deliverFunc(ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	resolved := false
	if l.active(ctx) {
		resolved = round.Await(ctx, l.p.cfg.PackProcessingTimeout)
	}
	result := round.Result(!resolved)

	decision := ack.Analyze(ctx, result)
	decision, dropped := decision.Sanitize(byPacketID(pending), result)
	if len(dropped) > 0 {
		l.logger.Warn("Ignored unknown packet IDs in ack decision", slog.Any("packet_ids", dropped))
	}

	elapsed := time.Since(start)
	l.p.stats.RecordRound(result.Acknowledged(), result.Pending(), decision.Commit, result.TimedOut, elapsed)
	span.SetAttributes(
		attribute.Int("acknowledged", result.Acknowledged()),
		attribute.Int("pending", result.Pending()),
		attribute.Bool("commit", decision.Commit))

	l.logger.Debug("Processed persisted messages round",
		slog.Int("publish", result.TotalPublish),
		slog.Int("pubrel", result.TotalPubRel),
		slog.Int("acknowledged", result.Acknowledged()),
		slog.Int("pending", result.Pending()),
		slog.Bool("timed_out", result.TimedOut),
		slog.Bool("commit", decision.Commit),
		slog.Duration("duration", elapsed))

	if decision.Commit {
		round.Clear()
		return true, nil
	}
	submit.Update(decision.Reprocess)
	return false, nil
}

func (l *clientLoop) deliverFunc(ctx context.Context) processing.DeliverFunc {
	return func(msg processing.PersistedMsg) error {
		if err := l.p.limiter.WaitDelivery(ctx, l.clientID); err != nil {
			return err
		}

		_, err := l.breaker.Execute(func() (interface{}, error) {
			switch m := msg.(type) {
			case *processing.PersistedPublishMsg:
				return nil, l.p.transport.SendPublish(l.sess, m.ID, m.Topic, m.QoS, m.Dup, m.Payload)
			case *processing.PersistedPubRelMsg:
				return nil, l.p.transport.SendPubRel(l.sess, m.ID)
			default:
				return nil, fmt.Errorf("unexpected message type %T", msg)
			}
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w", ErrDeliveryBreakerOpen, err)
		}
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *processing.PersistedPublishMsg:
			l.p.stats.RecordDelivered(false, m.QoS)
		case *processing.PersistedPubRelMsg:
			l.p.stats.RecordDelivered(true, 2)
		}
		return nil
	}
}

// pruneOffsets forgets packet IDs of committed offsets.
func (l *clientLoop) pruneOffsets(committed uint64) {
	for off := range l.offsetToPacketID {
		if off < committed {
			delete(l.offsetToPacketID, off)
		}
	}
}

// close persists the redelivery context and releases the client's resources.
func (l *clientLoop) close() {
	msgCtx := &storage.PersistedMsgCtx{
		OffsetToPacketID: l.offsetToPacketID,
		PubRelPacketIDs:  l.pubRels.Snapshot(),
		LastPacketID:     l.sess.PacketIDs.Last(),
	}
	if err := l.save(msgCtx); err != nil {
		l.logger.Error("Failed to persist context", slog.String("error", err.Error()))
		l.p.stats.RecordError("save_context")
	}

	l.consumer.UnsubscribeAndClose()
	l.p.registry.removeContext(l.clientID, l.round)
	l.p.limiter.OnClientStop(l.clientID)
	l.p.stats.ProcessorStopped()

	l.logger.Info("Stopped persisted messages processing",
		slog.Int("pending_pubrel", len(msgCtx.PubRelPacketIDs)),
		slog.Int("uncommitted", len(msgCtx.OffsetToPacketID)),
		slog.Int("last_packet_id", int(msgCtx.LastPacketID)))
}

// save persists msgCtx without letting a stuck store hold the loop forever.
func (l *clientLoop) save(msgCtx *storage.PersistedMsgCtx) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.p.cfg.SaveTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.p.contexts.Save(ctx, l.clientID, msgCtx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("save persisted context: %w", ctx.Err())
	}
}

func byPacketID(msgs []processing.PersistedMsg) map[uint16]processing.PersistedMsg {
	m := make(map[uint16]processing.PersistedMsg, len(msgs))
	for _, msg := range msgs {
		if pub, ok := msg.(*processing.PersistedPublishMsg); ok && !pub.Tracked() {
			continue
		}
		m[msg.PacketID()] = msg
	}
	return m
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
