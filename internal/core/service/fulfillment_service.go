package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

type FulfillmentRequest struct {
	ActorID     string
	OrderNumber string
	// OrderID links the record to a ledger order when known.
	OrderID     *string
	ProductID   int64
	BranchID    int64
	Quantity    int64
	InvoiceDate time.Time
}

func (r FulfillmentRequest) Validate() error {
	switch {
	case r.ActorID == "":
		return domain.NewValidationError("actor_id", "is required")
	case r.OrderNumber == "":
		return domain.NewValidationError("order_number", "is required")
	case r.OrderID != nil && *r.OrderID == "":
		return domain.NewValidationError("order_id", "must not be empty when set")
	case r.ProductID <= 0:
		return domain.NewValidationError("product_id", "must be positive")
	case r.BranchID <= 0:
		return domain.NewValidationError("branch_id", "must be positive")
	case r.Quantity <= 0:
		return domain.NewValidationError("quantity", "must be positive")
	}
	return nil
}

// FulfillmentService appends fulfillment records. Stock was already depleted
// when the order was created, so recording never touches quantities.
type FulfillmentService struct {
	deps Dependencies
}

func NewFulfillmentService(deps Dependencies) *FulfillmentService {
	return &FulfillmentService{deps: deps.withDefaults()}
}

func (s *FulfillmentService) RecordFulfillment(ctx context.Context, req FulfillmentRequest) (record *domain.FulfillmentRecord, err error) {
	ctx, span := s.deps.Tracer.Start(ctx, "ledger.RecordFulfillment", trace.WithAttributes(
		attribute.String("ledger.order_number", req.OrderNumber),
		attribute.Int64("ledger.branch_id", req.BranchID),
	))
	defer s.deps.finish(span, "record_fulfillment", time.Now(), &err)

	if err = req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	invoiceDate := req.InvoiceDate
	if invoiceDate.IsZero() {
		invoiceDate = now
	}
	rec := &domain.FulfillmentRecord{
		ID:          uuid.NewString(),
		OrderNumber: req.OrderNumber,
		OrderID:     req.OrderID,
		ProductID:   req.ProductID,
		BranchID:    req.BranchID,
		Quantity:    req.Quantity,
		InvoiceDate: invoiceDate.UTC(),
		CreatedBy:   req.ActorID,
		CreatedAt:   now,
	}
	event := domain.NewEvent(domain.EventFulfillmentRecorded, req.ActorID)

	err = runInTx(ctx, s.deps.Store, s.deps.Logger, func(tx port.StockTx) error {
		if err := tx.InsertFulfillment(ctx, rec); err != nil {
			return fmt.Errorf("insert fulfillment: %w", err)
		}
		event.OccurredAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rec.OrderID != nil {
		event.OrderID = *rec.OrderID
	}
	event.BranchID = req.BranchID
	event.RecordIDs = []string{rec.ID}
	event.Lines = []domain.MovementLine{{ProductID: req.ProductID, Quantity: req.Quantity}}
	s.deps.publish(ctx, event, domain.AuditEntry{
		ActorID:     req.ActorID,
		Action:      domain.AuditFulfillmentRecord,
		Description: fmt.Sprintf("recorded fulfillment of %d x product %d for order %s at branch %d", req.Quantity, req.ProductID, req.OrderNumber, req.BranchID),
	})
	s.deps.Logger.Info("fulfillment recorded",
		zap.String("record_id", rec.ID),
		zap.String("order_number", req.OrderNumber),
	)
	return rec, nil
}
