package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes each event as JSON on "<prefix>.<EventType>".
type NATSSink struct {
	conn   Publisher
	prefix string
}

func NewNATSSink(conn Publisher, prefix string) *NATSSink {
	return &NATSSink{conn: conn, prefix: prefix}
}

func (s *NATSSink) Name() string {
	return "nats"
}

func (s *NATSSink) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.conn.Publish(s.subject(event.Type), data)
}

func (s *NATSSink) subject(t domain.EventType) string {
	if s.prefix == "" {
		return string(t)
	}
	return s.prefix + "." + string(t)
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaSink writes events as JSON messages keyed by the record they describe,
// so all events for one order or batch land on one partition.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Name() string {
	return "kafka"
}

func (s *KafkaSink) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(messageKey(event)),
		Value: data,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func messageKey(event domain.Event) string {
	switch {
	case event.OrderID != "":
		return event.OrderID
	case event.BatchID != "":
		return event.BatchID
	default:
		return event.ID
	}
}

// LogSink writes events to the structured log. Used when no broker is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Publish(ctx context.Context, event domain.Event) error {
	s.logger.Info("ledger event",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("actor_id", event.ActorID),
		zap.Int64("branch_id", event.BranchID),
		zap.String("order_id", event.OrderID),
		zap.String("batch_id", event.BatchID),
		zap.Int("lines", len(event.Lines)),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}

type LogAuditWriter struct {
	logger *zap.Logger
}

func NewLogAuditWriter(logger *zap.Logger) *LogAuditWriter {
	return &LogAuditWriter{logger: logger}
}

func (w *LogAuditWriter) WriteAudit(ctx context.Context, entry domain.AuditEntry) error {
	w.logger.Info("audit",
		zap.String("actor_id", entry.ActorID),
		zap.String("action", string(entry.Action)),
		zap.String("description", entry.Description),
		zap.Time("at", entry.At),
	)
	return nil
}
