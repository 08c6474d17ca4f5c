// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/absmach/fluxmq-persist/config"
	"github.com/absmach/fluxmq-persist/persistence"
	"github.com/absmach/fluxmq-persist/storage"
)

var errMissingClient = errors.New("-client is required")

type clientReport struct {
	ClientID  string                   `json:"client_id"`
	Topic     string                   `json:"topic"`
	Group     string                   `json:"group"`
	EndOffset uint64                   `json:"end_offset"`
	Committed *uint64                  `json:"committed_offset,omitempty"`
	Backlog   uint64                   `json:"backlog"`
	Context   *storage.PersistedMsgCtx `json:"context,omitempty"`
}

func runInspect(ctx context.Context, _ *config.Config, store storage.Store, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	clientID := fs.String("client", "", "Client ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" {
		return errMissingClient
	}

	topic := persistence.ClientTopic(*clientID)
	report := clientReport{
		ClientID: *clientID,
		Topic:    topic,
		Group:    persistence.ConsumerGroup(*clientID),
	}

	end, err := store.Log().EndOffset(ctx, topic, 0)
	if err != nil {
		return fmt.Errorf("failed to read end offset: %w", err)
	}
	report.EndOffset = end

	committed, ok, err := store.Log().CommittedOffset(ctx, report.Group, topic, 0)
	if err != nil {
		return fmt.Errorf("failed to read committed offset: %w", err)
	}
	if ok {
		report.Committed = &committed
		if end > committed {
			report.Backlog = end - committed
		}
	}

	msgCtx, err := store.Contexts().Load(ctx, *clientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to load persisted context: %w", err)
	default:
		report.Context = msgCtx
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// properties collects repeated -prop key=value flags.
type properties map[string]string

func (p properties) String() string {
	pairs := make([]string, 0, len(p))
	for k, v := range p {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (p properties) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("invalid property %q, expected key=value", s)
	}
	p[k] = v
	return nil
}

func runAppend(ctx context.Context, _ *config.Config, store storage.Store, args []string) error {
	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	clientID := fs.String("client", "", "Client ID")
	topic := fs.String("topic", "", "MQTT topic of the message")
	payload := fs.String("payload", "", "Message payload")
	qos := fs.Uint("qos", 1, "QoS level (0, 1, 2)")
	retain := fs.Bool("retain", false, "Retain flag")
	props := properties{}
	fs.Var(props, "prop", "User property key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" {
		return errMissingClient
	}
	if *topic == "" {
		return errors.New("-topic is required")
	}
	if *qos > 2 {
		return fmt.Errorf("invalid QoS %d", *qos)
	}

	rec := &storage.PublishRecord{
		Topic:   *topic,
		Payload: []byte(*payload),
		QoS:     byte(*qos),
		Retain:  *retain,
	}
	if len(props) > 0 {
		rec.UserProperties = props
	}

	offset, err := persistence.Enqueue(ctx, store.Log(), *clientID, rec)
	if err != nil {
		return err
	}

	slog.Info("Appended message",
		slog.String("client_id", *clientID),
		slog.String("topic", *topic),
		slog.Uint64("offset", offset))
	return nil
}

func runClear(ctx context.Context, cfg *config.Config, store storage.Store, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	clientID := fs.String("client", "", "Client ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" {
		return errMissingClient
	}

	p := persistence.New(store.Log(), store.Contexts(), nil, nil, cfg.Delivery,
		persistence.WithLogger(slog.Default()))
	return p.ClearPersistedMessages(ctx, *clientID)
}
