// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"time"

	"github.com/absmach/fluxmq-persist/storage"
)

const (
	topicPrefix = "mqtt_app_"
	groupPrefix = "mqtt-app-consumer-"

	// Application logs have a single partition.
	partition = 0
)

// ClientTopic returns the log topic holding a client's persisted messages.
func ClientTopic(clientID string) string {
	return topicPrefix + clientID
}

// ConsumerGroup returns the consumer group a client's loop commits under.
func ConsumerGroup(clientID string) string {
	return groupPrefix + clientID
}

// Enqueue appends a publish to a client's log. It is the producer side used by
// the broker's routing layer.
func Enqueue(ctx context.Context, log storage.LogStore, clientID string, rec *storage.PublishRecord) (uint64, error) {
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = time.Now()
	}
	return log.Append(ctx, ClientTopic(clientID), partition, rec)
}
