// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmq-persist/config"
	"github.com/absmach/fluxmq-persist/processing"
	"github.com/absmach/fluxmq-persist/session"
	"github.com/absmach/fluxmq-persist/storage"
	"github.com/absmach/fluxmq-persist/storage/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type packet struct {
	sessionID uuid.UUID
	pubRel    bool
	id        uint16
	qos       byte
	dup       bool
	payload   string
}

type fakeTransport struct {
	mu      sync.Mutex
	packets []packet
	err     error

	// Hooks run outside the lock so they may call back into the processor.
	onPublish func(sess *session.Ctx, p packet)
	onPubRel  func(sess *session.Ctx, p packet)
}

func (t *fakeTransport) SendPublish(sess *session.Ctx, packetID uint16, topic string, qos byte, dup bool, payload []byte) error {
	p := packet{sessionID: sess.SessionID, id: packetID, qos: qos, dup: dup, payload: string(payload)}

	t.mu.Lock()
	err := t.err
	if err == nil {
		t.packets = append(t.packets, p)
	}
	hook := t.onPublish
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(sess, p)
	}
	return nil
}

func (t *fakeTransport) SendPubRel(sess *session.Ctx, packetID uint16) error {
	p := packet{sessionID: sess.SessionID, pubRel: true, id: packetID}

	t.mu.Lock()
	err := t.err
	if err == nil {
		t.packets = append(t.packets, p)
	}
	hook := t.onPubRel
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(sess, p)
	}
	return nil
}

func (t *fakeTransport) setHooks(onPublish, onPubRel func(*session.Ctx, packet)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPublish = onPublish
	t.onPubRel = onPubRel
}

func (t *fakeTransport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *fakeTransport) sent(sessionID uuid.UUID) []packet {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ret []packet
	for _, p := range t.packets {
		if p.sessionID == sessionID {
			ret = append(ret, p)
		}
	}
	return ret
}

func (t *fakeTransport) publishes(sessionID uuid.UUID, payload string) []packet {
	var ret []packet
	for _, p := range t.sent(sessionID) {
		if !p.pubRel && p.payload == payload {
			ret = append(ret, p)
		}
	}
	return ret
}

type disconnect struct {
	clientID  string
	sessionID uuid.UUID
	reason    session.DisconnectReason
}

type fakeDisconnector struct {
	ch chan disconnect
}

func newFakeDisconnector() *fakeDisconnector {
	return &fakeDisconnector{ch: make(chan disconnect, 16)}
}

func (d *fakeDisconnector) Disconnect(clientID string, sessionID uuid.UUID, reason session.DisconnectReason) {
	d.ch <- disconnect{clientID: clientID, sessionID: sessionID, reason: reason}
}

type countingStats struct {
	noopStats
	mu    sync.Mutex
	stale map[string]int
}

func (s *countingStats) RecordStaleAck(packetType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale == nil {
		s.stale = make(map[string]int)
	}
	s.stale[packetType]++
}

func (s *countingStats) staleCount(packetType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale[packetType]
}

type env struct {
	store        *memory.Store
	transport    *fakeTransport
	disconnector *fakeDisconnector
	processor    *Processor
}

func testConfig() config.DeliveryConfig {
	cfg := config.Default().Delivery
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PackProcessingTimeout = 100 * time.Millisecond
	cfg.MaxRetries = 0
	cfg.PauseBetweenRetries = 0
	cfg.Backoff.InitialInterval = 5 * time.Millisecond
	cfg.Backoff.MaxInterval = 20 * time.Millisecond
	cfg.SaveTimeout = time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newEnv(t *testing.T, cfg config.DeliveryConfig, opts ...Option) *env {
	t.Helper()

	e := &env{
		store:        memory.New(),
		transport:    &fakeTransport{},
		disconnector: newFakeDisconnector(),
	}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	e.processor = New(e.store.Log(), e.store.Contexts(), e.transport, e.disconnector, cfg, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.processor.Shutdown(ctx)
	})
	return e
}

// seed makes the client's group start at offset 0 and appends one publish
// per QoS, with payloads m0, m1, ...
func (e *env) seed(t *testing.T, clientID string, qos ...byte) {
	t.Helper()
	ctx := context.Background()

	err := e.store.Log().Commit(ctx, ConsumerGroup(clientID), ClientTopic(clientID), partition, 0)
	require.NoError(t, err)
	e.appendMsgs(t, clientID, qos...)
}

func (e *env) appendMsgs(t *testing.T, clientID string, qos ...byte) {
	t.Helper()
	ctx := context.Background()

	end, err := e.store.Log().EndOffset(ctx, ClientTopic(clientID), partition)
	require.NoError(t, err)
	for i, q := range qos {
		_, err := Enqueue(ctx, e.store.Log(), clientID, &storage.PublishRecord{
			Topic:   "app/" + clientID,
			Payload: []byte(fmt.Sprintf("m%d", int(end)+i)),
			QoS:     q,
		})
		require.NoError(t, err)
	}
}

func (e *env) committed(t *testing.T, clientID string) (uint64, bool) {
	t.Helper()
	off, ok, err := e.store.Log().CommittedOffset(context.Background(), ConsumerGroup(clientID), ClientTopic(clientID), partition)
	require.NoError(t, err)
	return off, ok
}

func (e *env) connect(t *testing.T, client *session.Client) *session.Ctx {
	t.Helper()
	sess := client.Connect()
	require.NoError(t, e.processor.Start(client))
	return sess
}

func (e *env) disconnect(client *session.Client) {
	client.SetState(session.StateDisconnected)
	e.processor.Stop(client.ClientID())
}

func (e *env) loadContext(t *testing.T, clientID string) *storage.PersistedMsgCtx {
	t.Helper()
	msgCtx, err := e.store.Contexts().Load(context.Background(), clientID)
	require.NoError(t, err)
	return msgCtx
}

func TestProcessorDeliversAndCommits(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1", 1, 1, 1)

	e.transport.setHooks(func(sess *session.Ctx, p packet) {
		e.processor.OnPubAck(sess.ClientID, p.id)
	}, nil)

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 3
	}, waitFor, tick)

	sent := e.transport.sent(sess.SessionID)
	require.Len(t, sent, 3)
	ids := map[uint16]bool{}
	for i, p := range sent {
		assert.Equal(t, fmt.Sprintf("m%d", i), p.payload, "delivery follows log order")
		assert.False(t, p.dup)
		assert.NotZero(t, p.id)
		ids[p.id] = true
	}
	assert.Len(t, ids, 3, "packet IDs are distinct")
}

func TestProcessorRetriesOnlyUnacknowledged(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1", 1, 1, 1)

	e.transport.setHooks(func(sess *session.Ctx, p packet) {
		if p.payload == "m1" && !p.dup {
			return
		}
		e.processor.OnPubAck(sess.ClientID, p.id)
	}, nil)

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 3
	}, waitFor, tick)

	m1 := e.transport.publishes(sess.SessionID, "m1")
	require.Len(t, m1, 2)
	assert.Equal(t, m1[0].id, m1[1].id, "retry keeps the packet ID")
	assert.False(t, m1[0].dup)
	assert.True(t, m1[1].dup)

	assert.Len(t, e.transport.publishes(sess.SessionID, "m0"), 1)
	assert.Len(t, e.transport.publishes(sess.SessionID, "m2"), 1)
}

func TestProcessorReusesPacketIDsAcrossReconnect(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1", 1, 1, 1)

	client := session.NewClient("c1")
	first := e.connect(t, client)

	require.Eventually(t, func() bool {
		return len(e.transport.sent(first.SessionID)) >= 3
	}, waitFor, tick)
	e.disconnect(client)

	off, _ := e.committed(t, "c1")
	assert.Equal(t, uint64(0), off, "unacknowledged messages are never committed")

	firstIDs := map[string]uint16{}
	for _, p := range e.transport.sent(first.SessionID)[:3] {
		firstIDs[p.payload] = p.id
	}

	msgCtx := e.loadContext(t, "c1")
	assert.Len(t, msgCtx.OffsetToPacketID, 3)
	assert.NotZero(t, msgCtx.LastPacketID)

	e.transport.setHooks(func(sess *session.Ctx, p packet) {
		e.processor.OnPubAck(sess.ClientID, p.id)
	}, nil)
	second := e.connect(t, client)

	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 3
	}, waitFor, tick)

	sent := e.transport.sent(second.SessionID)
	require.Len(t, sent, 3)
	for _, p := range sent {
		assert.Equal(t, firstIDs[p.payload], p.id, "packet ID of %s", p.payload)
		assert.True(t, p.dup)
	}
}

func TestProcessorNeverSkipsUnacknowledged(t *testing.T) {
	cfg := testConfig()
	cfg.PackProcessingTimeout = 20 * time.Millisecond
	e := newEnv(t, cfg)
	e.seed(t, "c1", 1, 2)

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	require.Eventually(t, func() bool {
		return len(e.transport.sent(sess.SessionID)) >= 6
	}, waitFor, tick)

	off, _ := e.committed(t, "c1")
	assert.Equal(t, uint64(0), off)

	e.disconnect(client)
	off, _ = e.committed(t, "c1")
	assert.Equal(t, uint64(0), off)
}

func TestProcessorSkipAllCommitsUnacknowledged(t *testing.T) {
	cfg := testConfig()
	cfg.AckStrategy = processing.AckSkipAll
	cfg.PackProcessingTimeout = 20 * time.Millisecond
	e := newEnv(t, cfg)
	e.seed(t, "c1", 1, 1)

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 2
	}, waitFor, tick)
	assert.Len(t, e.transport.sent(sess.SessionID), 2)
}

func TestProcessorRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.PackProcessingTimeout = 20 * time.Millisecond
	e := newEnv(t, cfg)
	e.seed(t, "c1", 1)

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 1
	}, waitFor, tick)
	assert.Len(t, e.transport.publishes(sess.SessionID, "m0"), 3, "first delivery and two retries")
}

func TestProcessorQoS0NotTracked(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1", 0, 0)

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 2
	}, waitFor, tick)

	sent := e.transport.sent(sess.SessionID)
	require.Len(t, sent, 2)
	for _, p := range sent {
		assert.Zero(t, p.id)
		assert.Equal(t, byte(0), p.qos)
	}
}

func TestProcessorQoS2Flow(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1", 2)

	e.transport.setHooks(func(sess *session.Ctx, p packet) {
		e.processor.OnPubRec(sess, p.id)
	}, nil)

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 1
	}, waitFor, tick)

	sent := e.transport.sent(sess.SessionID)
	require.GreaterOrEqual(t, len(sent), 2)
	assert.False(t, sent[0].pubRel)
	assert.True(t, sent[1].pubRel, "PUBREC is answered with PUBREL")
	assert.Equal(t, sent[0].id, sent[1].id)

	e.processor.OnPubComp("c1", sent[0].id)
	e.disconnect(client)

	msgCtx := e.loadContext(t, "c1")
	assert.Empty(t, msgCtx.PubRelPacketIDs)
}

func TestProcessorRedeliversPubRelOnReconnect(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1", 2)

	e.transport.setHooks(func(sess *session.Ctx, p packet) {
		e.processor.OnPubRec(sess, p.id)
	}, nil)

	client := session.NewClient("c1")
	first := e.connect(t, client)
	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 1
	}, waitFor, tick)
	e.disconnect(client)

	id := e.transport.sent(first.SessionID)[0].id
	msgCtx := e.loadContext(t, "c1")
	assert.Equal(t, map[uint16]uint64{id: 0}, msgCtx.PubRelPacketIDs)

	for range 2 {
		sess := e.connect(t, client)
		require.Eventually(t, func() bool {
			return len(e.transport.sent(sess.SessionID)) >= 1
		}, waitFor, tick)
		e.disconnect(client)

		sent := e.transport.sent(sess.SessionID)
		assert.True(t, sent[0].pubRel)
		assert.Equal(t, id, sent[0].id)
		for _, p := range sent {
			assert.True(t, p.pubRel, "the message itself is not republished")
		}
	}

	e.transport.setHooks(nil, func(sess *session.Ctx, p packet) {
		e.processor.OnPubComp(sess.ClientID, p.id)
	})
	sess := e.connect(t, client)
	require.Eventually(t, func() bool {
		return len(e.transport.sent(sess.SessionID)) >= 1
	}, waitFor, tick)
	e.disconnect(client)

	msgCtx = e.loadContext(t, "c1")
	assert.Empty(t, msgCtx.PubRelPacketIDs, "PUBCOMP releases the obligation")
}

func TestProcessorPubRelBeforeLaterPublish(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1", 2, 1)

	e.transport.setHooks(func(sess *session.Ctx, p packet) {
		if p.qos == 2 {
			e.processor.OnPubRec(sess, p.id)
		}
	}, nil)

	client := session.NewClient("c1")
	first := e.connect(t, client)
	require.Eventually(t, func() bool {
		return len(e.transport.publishes(first.SessionID, "m1")) >= 1 &&
			hasPubRel(e.transport.sent(first.SessionID))
	}, waitFor, tick)
	e.disconnect(client)

	m0 := e.transport.publishes(first.SessionID, "m0")[0]
	m1 := e.transport.publishes(first.SessionID, "m1")[0]

	e.transport.setHooks(nil, nil)
	second := e.connect(t, client)
	require.Eventually(t, func() bool {
		return len(e.transport.sent(second.SessionID)) >= 2
	}, waitFor, tick)
	e.disconnect(client)

	sent := e.transport.sent(second.SessionID)
	assert.True(t, sent[0].pubRel)
	assert.Equal(t, m0.id, sent[0].id)
	assert.False(t, sent[1].pubRel)
	assert.Equal(t, "m1", sent[1].payload)
	assert.Equal(t, m1.id, sent[1].id)
	assert.True(t, sent[1].dup)
	assert.Empty(t, e.transport.publishes(second.SessionID, "m0"))
}

func hasPubRel(packets []packet) bool {
	for _, p := range packets {
		if p.pubRel {
			return true
		}
	}
	return false
}

func TestProcessorStartsAtEndForNewGroup(t *testing.T) {
	e := newEnv(t, testConfig())
	e.appendMsgs(t, "c1", 1, 1)

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	require.Eventually(t, func() bool {
		off, ok := e.committed(t, "c1")
		return ok && off == 2
	}, waitFor, tick)

	e.transport.setHooks(func(sess *session.Ctx, p packet) {
		e.processor.OnPubAck(sess.ClientID, p.id)
	}, nil)
	e.appendMsgs(t, "c1", 1)

	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 3
	}, waitFor, tick)

	sent := e.transport.sent(sess.SessionID)
	require.Len(t, sent, 1)
	assert.Equal(t, "m2", sent[0].payload)
}

func TestProcessorClearPersistedMessages(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1", 1, 1)

	client := session.NewClient("c1")
	first := e.connect(t, client)
	require.Eventually(t, func() bool {
		return len(e.transport.sent(first.SessionID)) >= 2
	}, waitFor, tick)

	err := e.processor.ClearPersistedMessages(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, e.processor.Running("c1"))

	_, ok := e.committed(t, "c1")
	assert.False(t, ok)
	_, err = e.store.Contexts().Load(context.Background(), "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	second := e.connect(t, client)
	require.Eventually(t, func() bool {
		off, ok := e.committed(t, "c1")
		return ok && off == 2
	}, waitFor, tick)
	assert.Never(t, func() bool {
		return len(e.transport.sent(second.SessionID)) > 0
	}, 100*time.Millisecond, tick)
}

func TestProcessorRetriesTransientErrorWithSameIDs(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreaker.FailureThreshold = 1000
	e := newEnv(t, cfg)
	e.seed(t, "c1", 1)

	var (
		mu    sync.Mutex
		calls int
	)
	e.transport.setHooks(func(sess *session.Ctx, p packet) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			// Fail the next delivery attempt once.
			e.transport.setErr(errors.New("connection reset"))
			return
		}
		e.processor.OnPubAck(sess.ClientID, p.id)
	}, nil)

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	// First attempt is recorded but left unacknowledged until the round times
	// out and the retry fails on the transport.
	require.Eventually(t, func() bool {
		return len(e.transport.sent(sess.SessionID)) >= 1
	}, waitFor, tick)
	time.Sleep(150 * time.Millisecond)
	e.transport.setErr(nil)

	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 1
	}, waitFor, tick)

	sent := e.transport.publishes(sess.SessionID, "m0")
	require.GreaterOrEqual(t, len(sent), 2)
	for _, p := range sent[1:] {
		assert.Equal(t, sent[0].id, p.id)
		assert.True(t, p.dup)
	}
}

func TestProcessorBreakerDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreaker.FailureThreshold = 2
	e := newEnv(t, cfg)
	e.seed(t, "c1", 1)
	e.transport.setErr(errors.New("broken pipe"))

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	select {
	case d := <-e.disconnector.ch:
		assert.Equal(t, "c1", d.clientID)
		assert.Equal(t, sess.SessionID, d.sessionID)
		assert.Equal(t, session.ReasonOnDeliveryFailure, d.reason.Type)
	case <-time.After(waitFor):
		t.Fatal("client was not disconnected")
	}

	require.Eventually(t, func() bool {
		return !e.processor.Running("c1")
	}, waitFor, tick)
	off, _ := e.committed(t, "c1")
	assert.Equal(t, uint64(0), off)
}

type failingContexts struct {
	storage.ContextStore
}

func (failingContexts) Load(context.Context, string) (*storage.PersistedMsgCtx, error) {
	return nil, errors.New("disk failure")
}

func TestProcessorStartupFailureDisconnects(t *testing.T) {
	store := memory.New()
	disconnector := newFakeDisconnector()
	p := New(store.Log(), failingContexts{store.Contexts()}, &fakeTransport{}, disconnector, testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer p.Shutdown(context.Background())

	client := session.NewClient("c1")
	client.Connect()
	require.NoError(t, p.Start(client))

	select {
	case d := <-disconnector.ch:
		assert.Equal(t, session.ReasonOnError, d.reason.Type)
		assert.Contains(t, d.reason.Message, "disk failure")
	case <-time.After(waitFor):
		t.Fatal("client was not disconnected")
	}
}

func TestProcessorStopsOnSupersededSession(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1")

	client := session.NewClient("c1")
	e.connect(t, client)
	require.True(t, e.processor.Running("c1"))

	// A new connection without Start leaves the old loop without a session.
	client.Connect()
	require.Eventually(t, func() bool {
		return !e.processor.Running("c1")
	}, waitFor, tick)

	msgCtx := e.loadContext(t, "c1")
	assert.NotNil(t, msgCtx)
}

func TestProcessorRestartReplacesLoop(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1", 1)

	client := session.NewClient("c1")
	first := e.connect(t, client)
	require.Eventually(t, func() bool {
		return len(e.transport.sent(first.SessionID)) >= 1
	}, waitFor, tick)

	// Reconnect without an explicit stop.
	second := e.connect(t, client)
	require.Eventually(t, func() bool {
		return len(e.transport.sent(second.SessionID)) >= 1
	}, waitFor, tick)

	assert.Equal(t, e.transport.sent(first.SessionID)[0].id, e.transport.sent(second.SessionID)[0].id)
	assert.Equal(t, []string{"c1"}, e.processor.ActiveClients())
}

func TestProcessorAcksWithoutLoop(t *testing.T) {
	stats := &countingStats{}
	e := newEnv(t, testConfig(), WithStats(stats))

	e.processor.OnPubAck("ghost", 1)
	e.processor.OnPubComp("ghost", 2)
	assert.Equal(t, 1, stats.staleCount("puback"))
	assert.Equal(t, 1, stats.staleCount("pubcomp"))

	sess := session.NewCtx("ghost")
	e.processor.OnPubRec(sess, 7)
	assert.Equal(t, 1, stats.staleCount("pubrec"))

	sent := e.transport.sent(sess.SessionID)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].pubRel)
	assert.Equal(t, uint16(7), sent[0].id)
}

func TestProcessorStaleAckIgnored(t *testing.T) {
	stats := &countingStats{}
	e := newEnv(t, testConfig(), WithStats(stats))
	e.seed(t, "c1", 1)

	e.transport.setHooks(func(sess *session.Ctx, p packet) {
		e.processor.OnPubAck(sess.ClientID, p.id+100)
		e.processor.OnPubAck(sess.ClientID, p.id)
	}, nil)

	client := session.NewClient("c1")
	e.connect(t, client)

	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 1
	}, waitFor, tick)
	assert.Equal(t, 1, stats.staleCount("puback"))
}

func TestProcessorShutdown(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seed(t, "c1", 1)
	e.seed(t, "c2", 1)

	c1 := session.NewClient("c1")
	c2 := session.NewClient("c2")
	s1 := e.connect(t, c1)
	s2 := e.connect(t, c2)
	require.Eventually(t, func() bool {
		return len(e.transport.sent(s1.SessionID)) >= 1 && len(e.transport.sent(s2.SessionID)) >= 1
	}, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.processor.Shutdown(ctx))
	assert.Empty(t, e.processor.ActiveClients())

	for _, id := range []string{"c1", "c2"} {
		msgCtx := e.loadContext(t, id)
		assert.Len(t, msgCtx.OffsetToPacketID, 1, id)
	}

	c1.Connect()
	assert.ErrorIs(t, e.processor.Start(c1), ErrClosed)
}

func TestClassify(t *testing.T) {
	live := context.Background()
	stopped, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		ctx  context.Context
		err  error
		want errorClass
	}{
		{stopped, context.Canceled, classStopped},
		{stopped, errors.New("io timeout"), classStopped},
		{live, fmt.Errorf("write: %w", context.DeadlineExceeded), classRecoverable},
		{live, fmt.Errorf("wait: %w", context.Canceled), classRecoverable},
		{live, fmt.Errorf("wrapped: %w", ErrDeliveryBreakerOpen), classFatal},
		{live, storage.ErrCorrupted, classFatal},
		{live, processing.ErrUnknownStrategy, classFatal},
		{live, session.ErrPacketIDsExhausted, classRecoverable},
		{live, errors.New("io timeout"), classRecoverable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(tc.ctx, tc.err), tc.err.Error())
	}
}

func TestProcessorRetriesTransportDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreaker.FailureThreshold = 1000
	e := newEnv(t, cfg)
	e.seed(t, "c1", 1)

	e.transport.setErr(fmt.Errorf("write: %w", context.DeadlineExceeded))
	e.transport.setHooks(func(sess *session.Ctx, p packet) {
		e.processor.OnPubAck(sess.ClientID, p.id)
	}, nil)

	client := session.NewClient("c1")
	sess := e.connect(t, client)

	// The loop keeps retrying a client whose writes time out.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, e.processor.Running("c1"))
	select {
	case d := <-e.disconnector.ch:
		t.Fatalf("unexpected disconnect: %v", d.reason)
	default:
	}

	e.transport.setErr(nil)
	require.Eventually(t, func() bool {
		off, _ := e.committed(t, "c1")
		return off == 1
	}, waitFor, tick)
	assert.NotEmpty(t, e.transport.publishes(sess.SessionID, "m0"))
	assert.True(t, e.processor.Running("c1"))
}

type slowContexts struct {
	storage.ContextStore
	delay time.Duration
}

func (s slowContexts) Save(ctx context.Context, clientID string, msgCtx *storage.PersistedMsgCtx) error {
	time.Sleep(s.delay)
	return s.ContextStore.Save(ctx, clientID, msgCtx)
}

func newSlowSaveProcessor(t *testing.T, store *memory.Store, transport *fakeTransport) *Processor {
	t.Helper()

	cfg := testConfig()
	cfg.ShutdownTimeout = 20 * time.Millisecond
	p := New(store.Log(), slowContexts{ContextStore: store.Contexts(), delay: 300 * time.Millisecond},
		transport, newFakeDisconnector(), cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	ctx := context.Background()
	require.NoError(t, store.Log().Commit(ctx, ConsumerGroup("c1"), ClientTopic("c1"), partition, 0))
	_, err := Enqueue(ctx, store.Log(), "c1", &storage.PublishRecord{Topic: "t", Payload: []byte("m0"), QoS: 1})
	require.NoError(t, err)
	return p
}

func TestProcessorClearWaitsForContextSave(t *testing.T) {
	store := memory.New()
	transport := &fakeTransport{}
	p := newSlowSaveProcessor(t, store, transport)

	client := session.NewClient("c1")
	sess := client.Connect()
	require.NoError(t, p.Start(client))
	require.Eventually(t, func() bool {
		return len(transport.sent(sess.SessionID)) > 0
	}, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.ClearPersistedMessages(ctx, "c1"))

	// Nothing saved by the stopped loop may outlive the clear.
	time.Sleep(400 * time.Millisecond)
	_, err := store.Contexts().Load(context.Background(), "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, ok, err := store.Log().CommittedOffset(context.Background(), ConsumerGroup("c1"), ClientTopic("c1"), partition)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessorClearGivesUpWithContext(t *testing.T) {
	store := memory.New()
	transport := &fakeTransport{}
	p := newSlowSaveProcessor(t, store, transport)

	client := session.NewClient("c1")
	sess := client.Connect()
	require.NoError(t, p.Start(client))
	require.Eventually(t, func() bool {
		return len(transport.sent(sess.SessionID)) > 0
	}, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.ClearPersistedMessages(ctx, "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The committed position survives an abandoned clear.
	_, ok, err := store.Log().CommittedOffset(context.Background(), ConsumerGroup("c1"), ClientTopic("c1"), partition)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Eventually(t, func() bool {
		_, err := store.Contexts().Load(context.Background(), "c1")
		return err == nil
	}, waitFor, tick)
}
