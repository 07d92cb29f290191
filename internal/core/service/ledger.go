package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

var (
	ErrDuplicateRequest  = domain.ErrDuplicateRequest
	ErrInsufficientStock = domain.ErrInsufficientStock
)

// Dependencies are shared by the ledger services. Store and Catalog are
// required; the rest default to no-ops.
type Dependencies struct {
	Store   port.StockStore
	Catalog port.ProductCatalog
	Orders  port.OrderReader
	Events  port.EventEmitter
	Audit   port.AuditSink
	Metrics port.LedgerMetrics
	Logger  *zap.Logger
	Tracer  trace.Tracer
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Events == nil {
		d.Events = nopEmitter{}
	}
	if d.Audit == nil {
		d.Audit = nopAudit{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return d
}

// finish ends the operation span and records its outcome. It is meant to be
// deferred with a pointer to the caller's named error.
func (d Dependencies) finish(span trace.Span, operation string, start time.Time, errp *error) {
	err := *errp
	d.Metrics.ObserveOperation(operation, Outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// publish hands committed outcomes to the collaborators. Neither call can fail
// the operation.
func (d Dependencies) publish(ctx context.Context, event domain.Event, entry domain.AuditEntry) {
	d.Events.Emit(ctx, event)
	entry.At = event.OccurredAt
	d.Audit.Record(ctx, entry)
}

func (d Dependencies) product(ctx context.Context, field string, productID int64) (*domain.Product, error) {
	product, err := d.Catalog.GetProduct(ctx, productID)
	if errors.Is(err, domain.ErrProductNotFound) {
		return nil, &domain.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("unknown product %d", productID),
			Err:    domain.ErrProductNotFound,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", productID, err)
	}
	return product, nil
}

// products looks up the product of every line before any stock lock is taken.
func (d Dependencies) products(ctx context.Context, field string, lines []domain.MovementLine) (map[int64]*domain.Product, error) {
	found := make(map[int64]*domain.Product, len(lines))
	for i, line := range lines {
		if _, ok := found[line.ProductID]; ok {
			continue
		}
		product, err := d.product(ctx, fmt.Sprintf("%s[%d].product_id", field, i), line.ProductID)
		if err != nil {
			return nil, err
		}
		found[line.ProductID] = product
	}
	return found, nil
}

// lockKeys takes every lock of a transaction in StockKey order. Transactions
// sharing keys queue on the lowest shared key instead of each holding one and
// waiting on the other until the lock timeout.
func lockKeys(ctx context.Context, tx port.StockTx, keys []domain.StockKey, products map[int64]*domain.Product) error {
	keys = slices.Clone(keys)
	slices.SortFunc(keys, domain.StockKey.Compare)
	keys = slices.Compact(keys)

	for _, key := range keys {
		sku := fmt.Sprintf("product %d", key.ProductID)
		if p, ok := products[key.ProductID]; ok {
			sku = p.SKU
		}
		if key.IsCentral() {
			if _, err := tx.LockCentral(ctx, key.ProductID); err != nil {
				return fmt.Errorf("lock central stock of %s: %w", sku, err)
			}
			continue
		}
		if _, err := tx.LockBranch(ctx, key.BranchID, key.ProductID); err != nil {
			return fmt.Errorf("lock branch %d stock of %s: %w", key.BranchID, sku, err)
		}
	}
	return nil
}

// runInTx runs fn inside one store transaction. The transaction is rolled back
// on every exit path except a nil return, which commits.
func runInTx(ctx context.Context, store port.StockStore, logger *zap.Logger, fn func(tx port.StockTx) error) (err error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			rollback(ctx, tx, logger)
			logger.Error("panic in ledger transaction", zap.Any("panic", p))
			panic(p)
		}
		if err != nil {
			rollback(ctx, tx, logger)
			return
		}
		if err = tx.Commit(ctx); err != nil {
			rollback(ctx, tx, logger)
			err = fmt.Errorf("commit transaction: %w", err)
		}
	}()

	return fn(tx)
}

func rollback(ctx context.Context, tx port.StockTx, logger *zap.Logger) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		logger.Error("rollback failed", zap.Error(err))
	}
}

// Outcome classifies an operation result for metrics and transport mapping.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func validateLines(field string, lines []domain.MovementLine) error {
	if len(lines) == 0 {
		return domain.NewValidationError(field, "at least one item is required")
	}
	for i, line := range lines {
		if line.ProductID <= 0 {
			return domain.NewValidationError(fmt.Sprintf("%s[%d].product_id", field, i), "must be positive")
		}
		if line.Quantity <= 0 {
			return domain.NewValidationError(fmt.Sprintf("%s[%d].quantity", field, i), "must be positive")
		}
	}
	return nil
}

// setLevel records the latest quantity for a key, keeping first-touch order.
func setLevel(levels []domain.StockLevel, level domain.StockLevel) []domain.StockLevel {
	for i := range levels {
		if levels[i].Key() == level.Key() {
			levels[i].Quantity = level.Quantity
			return levels
		}
	}
	return append(levels, level)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, domain.Event) {}

type nopAudit struct{}

func (nopAudit) Record(context.Context, domain.AuditEntry) {}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, string, time.Duration) {}
