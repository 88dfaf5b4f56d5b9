// Package relay forwards committed outbox events to a publisher. The offset
// advances only after a batch has been published, so delivery is
// at-least-once and consumers dedupe on event_id.
//
// Event ids are handed out at insert time, not at commit, so a hole in the
// id sequence may be a transaction that has not committed yet. The relay
// stops at a hole until the event after it is older than SettleAfter; by
// then the missing id belongs to a rolled back write.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ticketing/scanner-service/internal/store"
)

const (
	DefaultOffsetName  = "kafka"
	DefaultSettleAfter = time.Minute
)

type Publisher interface {
	Publish(ctx context.Context, events []store.OutboxEvent) error
}

type Worker struct {
	store       store.OutboxStore
	publisher   Publisher
	offsetName  string
	batchSize   int
	settleAfter time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

type Config struct {
	OffsetName string
	BatchSize  int
	// SettleAfter must exceed the longest a write may stay uncommitted.
	SettleAfter time.Duration
	Clock       func() time.Time
}

func New(outbox store.OutboxStore, publisher Publisher, cfg Config, logger *slog.Logger) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	name := cfg.OffsetName
	if name == "" {
		name = DefaultOffsetName
	}
	settle := cfg.SettleAfter
	if settle <= 0 {
		settle = DefaultSettleAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:       outbox,
		publisher:   publisher,
		offsetName:  name,
		batchSize:   batch,
		settleAfter: settle,
		clock:       clock,
		logger:      logger,
	}
}

// Run relays one batch and reports how many events went out.
func (w *Worker) Run(ctx context.Context) (int, error) {
	last, err := w.store.GetRelayOffset(ctx, w.offsetName)
	if err != nil {
		return 0, fmt.Errorf("read offset: %w", err)
	}

	events, err := w.store.ListOutboxEvents(ctx, last, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}
	events = w.settled(last, events)
	if len(events) == 0 {
		return 0, nil
	}

	if err := w.publisher.Publish(ctx, events); err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}

	last = events[len(events)-1].EventID
	if err := w.store.UpdateRelayOffset(ctx, w.offsetName, last); err != nil {
		return 0, fmt.Errorf("update offset: %w", err)
	}
	return len(events), nil
}

// settled returns the prefix of events that can be published without
// skipping an id that may still commit.
func (w *Worker) settled(last int64, events []store.OutboxEvent) []store.OutboxEvent {
	horizon := w.clock().Add(-w.settleAfter)
	next := last + 1
	for i, event := range events {
		if event.EventID != next && event.CreatedAt.After(horizon) {
			w.logger.Debug("outbox gap pending", "missing_from", next, "next_event", event.EventID)
			return events[:i]
		}
		next = event.EventID + 1
	}
	return events
}

// Start drains the outbox every interval until ctx is done. A full batch
// triggers an immediate follow-up run.
func Start(ctx context.Context, interval time.Duration, w *Worker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				count, err := w.Run(ctx)
				if err != nil {
					w.logger.Error("outbox relay", "error", err)
					break
				}
				if count > 0 {
					w.logger.Debug("outbox relayed", "events", count)
				}
				if count < w.batchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}
