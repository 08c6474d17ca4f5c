// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxmq-persist/config"
	"github.com/absmach/fluxmq-persist/persistence"
	"github.com/absmach/fluxmq-persist/storage"
	"github.com/absmach/fluxmq-persist/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProperties(t *testing.T) {
	props := properties{}
	require.NoError(t, props.Set("a=1"))
	require.NoError(t, props.Set("b=x=y"))
	require.NoError(t, props.Set("empty="))

	assert.Equal(t, properties{"a": "1", "b": "x=y", "empty": ""}, props)
	assert.Error(t, props.Set("novalue"))
	assert.Error(t, props.Set("=v"))
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := config.Default()

	err := runAppend(ctx, cfg, store, []string{"-client", "c1", "-topic", "t/1", "-payload", "hello", "-qos", "2", "-prop", "k=v"})
	require.NoError(t, err)

	msgs, err := store.Log().Read(ctx, persistence.ClientTopic("c1"), 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "t/1", msgs[0].Publish.Topic)
	assert.Equal(t, []byte("hello"), msgs[0].Publish.Payload)
	assert.Equal(t, byte(2), msgs[0].Publish.QoS)
	assert.Equal(t, map[string]string{"k": "v"}, msgs[0].Publish.UserProperties)
	assert.False(t, msgs[0].Publish.PublishedAt.IsZero())
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := config.Default()

	assert.ErrorIs(t, runAppend(ctx, cfg, store, []string{"-topic", "t"}), errMissingClient)
	assert.Error(t, runAppend(ctx, cfg, store, []string{"-client", "c1"}))
	assert.Error(t, runAppend(ctx, cfg, store, []string{"-client", "c1", "-topic", "t", "-qos", "3"}))
	assert.ErrorIs(t, runInspect(ctx, cfg, store, nil), errMissingClient)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := config.Default()
	topic := persistence.ClientTopic("c1")
	group := persistence.ConsumerGroup("c1")

	_, err := persistence.Enqueue(ctx, store.Log(), "c1", &storage.PublishRecord{Topic: "t", QoS: 1})
	require.NoError(t, err)
	require.NoError(t, store.Log().Commit(ctx, group, topic, 0, 1))
	require.NoError(t, store.Contexts().Save(ctx, "c1", &storage.PersistedMsgCtx{LastPacketID: 7}))

	require.NoError(t, runClear(ctx, cfg, store, []string{"-client", "c1"}))

	_, ok, err := store.Log().CommittedOffset(ctx, group, topic, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = store.Contexts().Load(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPinGroup(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	topic := persistence.ClientTopic("c1")
	group := persistence.ConsumerGroup("c1")

	_, err := persistence.Enqueue(ctx, store.Log(), "c1", &storage.PublishRecord{Topic: "t", QoS: 1})
	require.NoError(t, err)
	require.NoError(t, pinGroup(ctx, store.Log(), "c1"))

	committed, ok, err := store.Log().CommittedOffset(ctx, group, topic, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), committed)

	// An existing position is left alone.
	require.NoError(t, store.Log().Commit(ctx, group, topic, 0, 0))
	require.NoError(t, pinGroup(ctx, store.Log(), "c1"))
	committed, _, err = store.Log().CommittedOffset(ctx, group, topic, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), committed)
}

func TestSimulate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := config.Default()
	cfg.Delivery.PollInterval = 10 * time.Millisecond
	cfg.Delivery.PackProcessingTimeout = time.Second

	err := runSimulate(ctx, cfg, store, []string{
		"-client", "sim", "-messages", "20", "-qos", "2", "-drop", "0",
		"-latency", "time.Millisecond", "-duration", "10s",
	})
	require.Error(t, err, "invalid duration flag")

	err = runSimulate(ctx, cfg, store, []string{
		"-client", "sim", "-messages", "20", "-qos", "2", "-drop", "0",
		"-latency", "1ms", "-duration", "10s",
	})
	require.NoError(t, err)

	topic := persistence.ClientTopic("sim")
	committed, ok, err := store.Log().CommittedOffset(ctx, persistence.ConsumerGroup("sim"), topic, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), committed)

	msgCtx, err := store.Contexts().Load(ctx, "sim")
	require.NoError(t, err)
	assert.Empty(t, msgCtx.OffsetToPacketID)
}
