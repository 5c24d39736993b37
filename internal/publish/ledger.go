// Package publish streams finalized per-owner strategies onto a Kafka
// topic so downstream consumers (billing, dashboards) see each cycle's
// outcome without polling the API.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/cycle"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/game"
)

// strategyEvent is the wire shape of one (cycle, owner) message.
type strategyEvent struct {
	CycleTime   cycle.ID        `json:"cycleTime"`
	OwnerID     string          `json:"ownerId"`
	Decisions   []game.Decision `json:"decisions"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Ledger wraps a Kafka writer for the strategies topic.
type Ledger struct {
	writer *kafka.Writer
	log    *slog.Logger
}

// NewLedger builds a publisher against the given brokers and topic.
func NewLedger(brokers []string, topic string, logger *slog.Logger) *Ledger {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &Ledger{writer: w, log: logger.With(slog.String("component", "strategy_ledger"))}
}

// PublishCycle emits one message per owner holding that owner's grouped
// decisions. Partial publish failures abort with the first error; the
// cycle outcome is already durable by the time this runs, so a rerun by
// an operator is safe.
func (l *Ledger) PublishCycle(ctx context.Context, id cycle.ID, byOwner map[string][]game.Decision) error {
	msgs, err := buildMessages(id, byOwner, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := l.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish strategies: %w", err)
	}
	l.log.Info("strategies_published",
		slog.String("cycle", string(id)),
		slog.Int("owners", len(msgs)),
	)
	return nil
}

// buildMessages shapes one keyed message per owner.
func buildMessages(id cycle.ID, byOwner map[string][]game.Decision, now time.Time) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(byOwner))
	for ownerID, decisions := range byOwner {
		value, err := json.Marshal(strategyEvent{
			CycleTime:   id,
			OwnerID:     ownerID,
			Decisions:   decisions,
			PublishedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("encode strategy event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(string(id) + "/" + ownerID),
			Value: value,
		})
	}
	return msgs, nil
}

// Close flushes and releases the underlying writer.
func (l *Ledger) Close() error {
	return l.writer.Close()
}
