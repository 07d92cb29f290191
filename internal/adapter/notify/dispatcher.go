package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	defaultQueueSize      = 1024
	defaultWorkers        = 4
	defaultPublishTimeout = 5 * time.Second
)

// Sink delivers committed ledger events somewhere outside the ledger.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event domain.Event) error
}

// AuditWriter persists audit entries.
type AuditWriter interface {
	WriteAudit(ctx context.Context, entry domain.AuditEntry) error
}

type Metrics interface {
	NotificationDropped(kind string)
	NotificationFailed(sink string)
}

type Config struct {
	QueueSize      int
	Workers        int
	PublishTimeout time.Duration
}

type task struct {
	ctx   context.Context
	event *domain.Event
	entry *domain.AuditEntry
}

// Dispatcher is the EventEmitter and AuditSink of the ledger. Emit and Record
// enqueue without blocking; a full queue drops the item. Workers fan each item
// out to every sink or audit writer, and a failing sink never affects the
// others or the caller.
type Dispatcher struct {
	sinks   []Sink
	writers []AuditWriter
	logger  *zap.Logger
	metrics Metrics
	timeout time.Duration

	tasks  chan task
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(cfg Config, sinks []Sink, writers []AuditWriter, logger *zap.Logger, metrics Metrics) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	d := &Dispatcher{
		sinks:   sinks,
		writers: writers,
		logger:  logger,
		metrics: metrics,
		timeout: cfg.PublishTimeout,
		tasks:   make(chan task, cfg.QueueSize),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) Emit(ctx context.Context, event domain.Event) {
	if !d.enqueue(task{ctx: ctx, event: &event}) {
		d.metrics.NotificationDropped("event")
		d.logger.Warn("event dropped",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
		)
	}
}

func (d *Dispatcher) Record(ctx context.Context, entry domain.AuditEntry) {
	if !d.enqueue(task{ctx: ctx, entry: &entry}) {
		d.metrics.NotificationDropped("audit")
		d.logger.Warn("audit entry dropped",
			zap.String("actor_id", entry.ActorID),
			zap.String("action", string(entry.Action)),
		)
	}
}

func (d *Dispatcher) enqueue(t task) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.tasks <- t:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.tasks {
		// The request may be gone by now; keep its values (trace span) but not
		// its cancellation.
		ctx := context.WithoutCancel(t.ctx)
		if t.event != nil {
			d.publish(ctx, *t.event)
		}
		if t.entry != nil {
			d.writeAudit(ctx, *t.entry)
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, event domain.Event) {
	for _, sink := range d.sinks {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Publish(pctx, event)
		cancel()
		if err != nil {
			d.metrics.NotificationFailed(sink.Name())
			d.logger.Error("publish event failed",
				zap.String("sink", sink.Name()),
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) writeAudit(ctx context.Context, entry domain.AuditEntry) {
	for _, w := range d.writers {
		wctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := w.WriteAudit(wctx, entry)
		cancel()
		if err != nil {
			d.metrics.NotificationFailed("audit")
			d.logger.Error("write audit entry failed",
				zap.String("actor_id", entry.ActorID),
				zap.String("action", string(entry.Action)),
				zap.Error(err),
			)
		}
	}
}

// Close stops accepting work and waits for queued items to drain or for ctx
// to end, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopMetrics struct{}

func (nopMetrics) NotificationDropped(string) {}
func (nopMetrics) NotificationFailed(string)  {}
