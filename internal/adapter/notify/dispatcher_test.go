package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type recordingSink struct {
	name   string
	err    error
	block  chan struct{}
	mu     sync.Mutex
	events []domain.Event
	ctxErr []error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(ctx context.Context, event domain.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.ctxErr = append(s.ctxErr, ctx.Err())
	return s.err
}

func (s *recordingSink) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

type recordingWriter struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (w *recordingWriter) WriteAudit(ctx context.Context, entry domain.AuditEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entry)
	return nil
}

type countingMetrics struct {
	dropped atomic.Int32
	failed  atomic.Int32
}

func (m *countingMetrics) NotificationDropped(string) { m.dropped.Add(1) }
func (m *countingMetrics) NotificationFailed(string)  { m.failed.Add(1) }

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestDispatcher_FansOutToEverySink(t *testing.T) {
	failing := &recordingSink{name: "failing", err: errors.New("broker down")}
	healthy := &recordingSink{name: "healthy"}
	writer := &recordingWriter{}
	metrics := &countingMetrics{}
	d := NewDispatcher(Config{Workers: 1}, []Sink{failing, healthy}, []AuditWriter{writer}, zap.NewNop(), metrics)

	d.Emit(context.Background(), domain.NewEvent(domain.EventOrderCreated, "u-1"))
	d.Record(context.Background(), domain.AuditEntry{ActorID: "u-1", Action: domain.AuditOrderCreate})
	closeDispatcher(t, d)

	if n := len(failing.Events()); n != 1 {
		t.Errorf("expected failing sink to be called once, got %d", n)
	}
	if n := len(healthy.Events()); n != 1 {
		t.Errorf("expected healthy sink to receive the event despite the failure, got %d", n)
	}
	if len(writer.entries) != 1 {
		t.Errorf("expected 1 audit entry, got %d", len(writer.entries))
	}
	if metrics.failed.Load() != 1 {
		t.Errorf("expected 1 failure observation, got %d", metrics.failed.Load())
	}
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{name: "slow", block: make(chan struct{})}
	metrics := &countingMetrics{}
	d := NewDispatcher(Config{QueueSize: 1, Workers: 1}, []Sink{sink}, nil, zap.NewNop(), metrics)

	// First event occupies the worker, second fills the queue
	d.Emit(context.Background(), domain.NewEvent(domain.EventOrderCreated, "u"))
	time.Sleep(20 * time.Millisecond)
	d.Emit(context.Background(), domain.NewEvent(domain.EventOrderCreated, "u"))

	start := time.Now()
	d.Emit(context.Background(), domain.NewEvent(domain.EventOrderCreated, "u"))
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Emit must not block on a full queue")
	}
	if metrics.dropped.Load() != 1 {
		t.Errorf("expected 1 dropped event, got %d", metrics.dropped.Load())
	}

	close(sink.block)
	closeDispatcher(t, d)
	if n := len(sink.Events()); n != 2 {
		t.Errorf("expected 2 delivered events, got %d", n)
	}
}

func TestDispatcher_DeliversAfterCallerContextEnds(t *testing.T) {
	sink := &recordingSink{name: "sink"}
	d := NewDispatcher(Config{Workers: 1}, []Sink{sink}, nil, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	d.Emit(ctx, domain.NewEvent(domain.EventInboundApplied, "u"))
	cancel()
	closeDispatcher(t, d)

	if n := len(sink.Events()); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
	if sink.ctxErr[0] != nil {
		t.Errorf("sink saw a canceled context: %v", sink.ctxErr[0])
	}
}

func TestDispatcher_EmitAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{name: "sink"}
	metrics := &countingMetrics{}
	d := NewDispatcher(Config{}, []Sink{sink}, nil, zap.NewNop(), metrics)
	closeDispatcher(t, d)

	d.Emit(context.Background(), domain.NewEvent(domain.EventOrderCreated, "u"))
	d.Record(context.Background(), domain.AuditEntry{ActorID: "u"})

	if metrics.dropped.Load() != 2 {
		t.Errorf("expected 2 drops after close, got %d", metrics.dropped.Load())
	}
	// Closing twice is safe
	closeDispatcher(t, d)
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	p.subject = subj
	p.data = data
	return nil
}

func TestNATSSink_Subject(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "ledger.events")

	event := domain.NewEvent(domain.EventBatchInboundApplied, "u-1")
	event.BatchID = "batch-1"
	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if pub.subject != "ledger.events.BatchInboundApplied" {
		t.Errorf("unexpected subject %q", pub.subject)
	}

	var decoded domain.Event
	if err := json.Unmarshal(pub.data, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.ID != event.ID || decoded.BatchID != "batch-1" {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_KeysByRecord(t *testing.T) {
	writer := &fakeKafkaWriter{}
	sink := NewKafkaSink(writer)

	order := domain.NewEvent(domain.EventOrderCreated, "u")
	order.OrderID = "order-1"
	inbound := domain.NewEvent(domain.EventInboundApplied, "u")

	sink.Publish(context.Background(), order)
	sink.Publish(context.Background(), inbound)
	sink.Close()

	if len(writer.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(writer.msgs))
	}
	if string(writer.msgs[0].Key) != "order-1" {
		t.Errorf("expected order key, got %q", writer.msgs[0].Key)
	}
	if string(writer.msgs[1].Key) != inbound.ID {
		t.Errorf("expected event id key, got %q", writer.msgs[1].Key)
	}
	if !writer.closed {
		t.Error("expected writer to be closed")
	}
}
