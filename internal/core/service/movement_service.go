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

type InboundRequest struct {
	ActorID   string
	ProductID int64
	BranchID  int64
	Quantity  int64
	// Date is the business date of the movement. Zero means today.
	Date time.Time
}

func (r InboundRequest) Validate() error {
	switch {
	case r.ActorID == "":
		return domain.NewValidationError("actor_id", "is required")
	case r.ProductID <= 0:
		return domain.NewValidationError("product_id", "must be positive")
	case r.BranchID <= 0:
		return domain.NewValidationError("branch_id", "must be positive")
	case r.Quantity <= 0:
		return domain.NewValidationError("quantity", "must be positive")
	}
	return nil
}

type BatchInboundRequest struct {
	ActorID  string
	BranchID int64
	Date     time.Time
	Items    []domain.MovementLine
}

func (r BatchInboundRequest) Validate() error {
	switch {
	case r.ActorID == "":
		return domain.NewValidationError("actor_id", "is required")
	case r.BranchID <= 0:
		return domain.NewValidationError("branch_id", "must be positive")
	}
	return validateLines("items", r.Items)
}

// MovementService moves stock from the central pool into branches.
type MovementService struct {
	deps Dependencies
}

func NewMovementService(deps Dependencies) *MovementService {
	return &MovementService{deps: deps.withDefaults()}
}

// ApplyInbound moves one quantity of a product from central to a branch and
// records the movement, all in one transaction.
func (s *MovementService) ApplyInbound(ctx context.Context, req InboundRequest) (movement *domain.InboundMovement, err error) {
	ctx, span := s.deps.Tracer.Start(ctx, "ledger.ApplyInbound", trace.WithAttributes(
		attribute.Int64("ledger.product_id", req.ProductID),
		attribute.Int64("ledger.branch_id", req.BranchID),
		attribute.Int64("ledger.quantity", req.Quantity),
	))
	defer s.deps.finish(span, "apply_inbound", time.Now(), &err)

	if err = req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := domain.InboundMovement{
		ID:        uuid.NewString(),
		ProductID: req.ProductID,
		BranchID:  req.BranchID,
		Quantity:  req.Quantity,
		Date:      businessDate(req.Date, now),
		CreatedBy: req.ActorID,
		CreatedAt: now,
	}
	event := domain.NewEvent(domain.EventInboundApplied, req.ActorID)
	line := domain.MovementLine{ProductID: req.ProductID, Quantity: req.Quantity}

	product, err := s.deps.product(ctx, "product_id", req.ProductID)
	if err != nil {
		return nil, err
	}

	err = runInTx(ctx, s.deps.Store, s.deps.Logger, func(tx port.StockTx) error {
		levels, err := s.transfer(ctx, tx, req.BranchID, line, product)
		if err != nil {
			return err
		}
		if err := tx.InsertInboundMovements(ctx, []domain.InboundMovement{m}); err != nil {
			return fmt.Errorf("insert inbound movement: %w", err)
		}
		event.OccurredAt = time.Now().UTC()
		event.Levels = levels
		return nil
	})
	if err != nil {
		return nil, err
	}

	event.BranchID = req.BranchID
	event.RecordIDs = []string{m.ID}
	event.Lines = []domain.MovementLine{line}
	s.deps.publish(ctx, event, domain.AuditEntry{
		ActorID:     req.ActorID,
		Action:      domain.AuditInboundApply,
		Description: fmt.Sprintf("moved %d of product %d from central to branch %d", req.Quantity, req.ProductID, req.BranchID),
	})
	s.deps.Logger.Info("inbound applied",
		zap.String("movement_id", m.ID),
		zap.Int64("product_id", req.ProductID),
		zap.Int64("branch_id", req.BranchID),
		zap.Int64("quantity", req.Quantity),
	)
	return &m, nil
}

// ApplyBatch applies every line of a batch or none of them. A failing line
// leaves central and branch stock exactly as they were.
func (s *MovementService) ApplyBatch(ctx context.Context, req BatchInboundRequest) (movements []domain.InboundMovement, err error) {
	ctx, span := s.deps.Tracer.Start(ctx, "ledger.ApplyBatch", trace.WithAttributes(
		attribute.Int64("ledger.branch_id", req.BranchID),
		attribute.Int("ledger.lines", len(req.Items)),
	))
	defer s.deps.finish(span, "apply_batch", time.Now(), &err)

	if err = req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	batchID := uuid.NewString()
	date := businessDate(req.Date, now)
	batch := make([]domain.InboundMovement, 0, len(req.Items))
	for _, line := range req.Items {
		batch = append(batch, domain.InboundMovement{
			ID:        uuid.NewString(),
			BatchID:   batchID,
			ProductID: line.ProductID,
			BranchID:  req.BranchID,
			Quantity:  line.Quantity,
			Date:      date,
			CreatedBy: req.ActorID,
			CreatedAt: now,
		})
	}
	event := domain.NewEvent(domain.EventBatchInboundApplied, req.ActorID)

	products, err := s.deps.products(ctx, "items", req.Items)
	if err != nil {
		return nil, err
	}
	keys := make([]domain.StockKey, 0, 2*len(req.Items))
	for _, line := range req.Items {
		keys = append(keys, domain.CentralKey(line.ProductID), domain.BranchKey(req.BranchID, line.ProductID))
	}

	err = runInTx(ctx, s.deps.Store, s.deps.Logger, func(tx port.StockTx) error {
		if err := lockKeys(ctx, tx, keys, products); err != nil {
			return err
		}

		var levels []domain.StockLevel
		for _, line := range req.Items {
			changed, err := s.transfer(ctx, tx, req.BranchID, line, products[line.ProductID])
			if err != nil {
				return err
			}
			for _, level := range changed {
				levels = setLevel(levels, level)
			}
		}
		if err := tx.InsertInboundMovements(ctx, batch); err != nil {
			return fmt.Errorf("insert inbound movements: %w", err)
		}
		event.OccurredAt = time.Now().UTC()
		event.Levels = levels
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
	}
	event.BatchID = batchID
	event.BranchID = req.BranchID
	event.RecordIDs = ids
	event.Lines = req.Items
	s.deps.publish(ctx, event, domain.AuditEntry{
		ActorID:     req.ActorID,
		Action:      domain.AuditInboundBatch,
		Description: fmt.Sprintf("applied batch %s of %d lines to branch %d", batchID, len(batch), req.BranchID),
	})
	s.deps.Logger.Info("batch inbound applied",
		zap.String("batch_id", batchID),
		zap.Int64("branch_id", req.BranchID),
		zap.Int("lines", len(batch)),
	)
	return batch, nil
}

// transfer locks central then branch for one line, checks central
// availability and writes both quantities. Locks stay held until the
// transaction ends; relocking a held key returns the pending quantity.
func (s *MovementService) transfer(ctx context.Context, tx port.StockTx, branchID int64, line domain.MovementLine, product *domain.Product) ([]domain.StockLevel, error) {
	central, err := tx.LockCentral(ctx, line.ProductID)
	if err != nil {
		return nil, fmt.Errorf("lock central stock of %s: %w", product.SKU, err)
	}
	if central < line.Quantity {
		return nil, &domain.InsufficientStockError{
			Scope:     domain.ScopeCentral,
			SKU:       product.SKU,
			ProductID: line.ProductID,
			Available: central,
			Requested: line.Quantity,
		}
	}

	branch, err := tx.LockBranch(ctx, branchID, line.ProductID)
	if err != nil {
		return nil, fmt.Errorf("lock branch %d stock of %s: %w", branchID, product.SKU, err)
	}

	if err := tx.SetCentral(ctx, line.ProductID, central-line.Quantity); err != nil {
		return nil, fmt.Errorf("update central stock of %s: %w", product.SKU, err)
	}
	if err := tx.SetBranch(ctx, branchID, line.ProductID, branch+line.Quantity); err != nil {
		return nil, fmt.Errorf("update branch %d stock of %s: %w", branchID, product.SKU, err)
	}

	return []domain.StockLevel{
		{BranchID: domain.CentralBranchID, ProductID: line.ProductID, Quantity: central - line.Quantity},
		{BranchID: branchID, ProductID: line.ProductID, Quantity: branch + line.Quantity},
	}, nil
}

func businessDate(date, now time.Time) time.Time {
	if date.IsZero() {
		date = now
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
