package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// QueryService reads committed quantities without taking locks.
type QueryService struct {
	deps Dependencies
}

func NewQueryService(deps Dependencies) *QueryService {
	return &QueryService{deps: deps.withDefaults()}
}

func (s *QueryService) CentralStock(ctx context.Context, productID int64) (domain.StockLevel, error) {
	if productID <= 0 {
		return domain.StockLevel{}, domain.NewValidationError("product_id", "must be positive")
	}
	qty, err := s.deps.Store.CentralStock(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("read central stock of product %d: %w", productID, err)
	}
	return domain.StockLevel{BranchID: domain.CentralBranchID, ProductID: productID, Quantity: qty}, nil
}

func (s *QueryService) BranchStock(ctx context.Context, branchID, productID int64) (domain.StockLevel, error) {
	switch {
	case branchID <= 0:
		return domain.StockLevel{}, domain.NewValidationError("branch_id", "must be positive")
	case productID <= 0:
		return domain.StockLevel{}, domain.NewValidationError("product_id", "must be positive")
	}
	qty, err := s.deps.Store.BranchStock(ctx, branchID, productID)
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("read branch %d stock of product %d: %w", branchID, productID, err)
	}
	return domain.StockLevel{BranchID: branchID, ProductID: productID, Quantity: qty}, nil
}

func (s *QueryService) Order(ctx context.Context, orderID string) (*domain.Order, error) {
	if orderID == "" {
		return nil, domain.NewValidationError("order_id", "is required")
	}
	if s.deps.Orders == nil {
		return nil, errors.New("order lookup is not configured")
	}
	order, err := s.deps.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return order, nil
}
