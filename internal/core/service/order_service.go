package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const idempotencyKeyPrefix = "order:"

type CreateOrderRequest struct {
	// RequestID is the client idempotency key. Empty disables the check.
	RequestID  string
	ActorID    string
	CustomerID string
	BranchID   int64
	Items      []domain.MovementLine
}

func (r CreateOrderRequest) Validate() error {
	switch {
	case r.ActorID == "":
		return domain.NewValidationError("actor_id", "is required")
	case r.CustomerID == "":
		return domain.NewValidationError("customer_id", "is required")
	case r.BranchID <= 0:
		return domain.NewValidationError("branch_id", "must be positive")
	}
	return validateLines("items", r.Items)
}

type OrderService struct {
	deps  Dependencies
	cache port.CacheRepository
}

// NewOrderService builds the order coordinator. cache may be nil, in which case
// request ids are not deduplicated.
func NewOrderService(deps Dependencies, cache port.CacheRepository) *OrderService {
	return &OrderService{
		deps:  deps.withDefaults(),
		cache: cache,
	}
}

// CreateOrder depletes branch stock for every item and persists the order in
// one transaction. Either every item is reserved or none is.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (order *domain.Order, err error) {
	ctx, span := s.deps.Tracer.Start(ctx, "ledger.CreateOrder", trace.WithAttributes(
		attribute.Int64("ledger.branch_id", req.BranchID),
		attribute.Int("ledger.lines", len(req.Items)),
	))
	defer s.deps.finish(span, "create_order", time.Now(), &err)

	if err = req.Validate(); err != nil {
		return nil, err
	}

	if req.RequestID != "" && s.cache != nil {
		key := idempotencyKeyPrefix + req.RequestID
		ok, cacheErr := s.cache.SetIdempotency(ctx, key)
		if cacheErr != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", cacheErr)
		}
		if !ok {
			return nil, ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), key); relErr != nil {
				s.deps.Logger.Warn("release idempotency key failed", zap.String("key", key), zap.Error(relErr))
			}
		}()
	}

	created := &domain.Order{
		ID:          uuid.NewString(),
		CustomerID:  req.CustomerID,
		BranchID:    req.BranchID,
		Status:      domain.OrderStatusPending,
		TotalAmount: decimal.Zero,
		CreatedBy:   req.ActorID,
		CreatedAt:   time.Now().UTC(),
	}
	event := domain.NewEvent(domain.EventOrderCreated, req.ActorID)

	products, err := s.deps.products(ctx, "items", req.Items)
	if err != nil {
		return nil, err
	}
	keys := make([]domain.StockKey, 0, len(req.Items))
	for _, line := range req.Items {
		keys = append(keys, domain.BranchKey(req.BranchID, line.ProductID))
	}

	err = runInTx(ctx, s.deps.Store, s.deps.Logger, func(tx port.StockTx) error {
		if err := lockKeys(ctx, tx, keys, products); err != nil {
			return err
		}

		var levels []domain.StockLevel
		for _, line := range req.Items {
			product := products[line.ProductID]

			// Already held; this reads the quantity including earlier lines.
			available, err := tx.LockBranch(ctx, req.BranchID, line.ProductID)
			if err != nil {
				return fmt.Errorf("lock branch %d stock of %s: %w", req.BranchID, product.SKU, err)
			}
			if available < line.Quantity {
				return &domain.InsufficientStockError{
					Scope:     domain.ScopeBranch,
					SKU:       product.SKU,
					ProductID: line.ProductID,
					BranchID:  req.BranchID,
					Available: available,
					Requested: line.Quantity,
				}
			}

			remaining := available - line.Quantity
			if err := tx.SetBranch(ctx, req.BranchID, line.ProductID, remaining); err != nil {
				return fmt.Errorf("update branch %d stock of %s: %w", req.BranchID, product.SKU, err)
			}
			created.AddItem(domain.OrderItem{
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				UnitPrice: product.UnitPrice,
			})
			levels = setLevel(levels, domain.StockLevel{BranchID: req.BranchID, ProductID: line.ProductID, Quantity: remaining})
		}

		if err := tx.InsertOrder(ctx, created); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		event.OccurredAt = time.Now().UTC()
		event.Levels = levels
		return nil
	})
	if err != nil {
		return nil, err
	}

	event.OrderID = created.ID
	event.BranchID = req.BranchID
	event.Lines = req.Items
	s.deps.publish(ctx, event, domain.AuditEntry{
		ActorID:     req.ActorID,
		Action:      domain.AuditOrderCreate,
		Description: fmt.Sprintf("created order %s at branch %d for %s, total %s", created.ID, req.BranchID, req.CustomerID, created.TotalAmount.StringFixed(2)),
	})
	s.deps.Logger.Info("order created",
		zap.String("order_id", created.ID),
		zap.Int64("branch_id", req.BranchID),
		zap.Int("items", len(created.Items)),
		zap.String("total", created.TotalAmount.String()),
	)
	return created, nil
}
