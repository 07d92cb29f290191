package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// StockStore is the authoritative store of central and branch quantities.
type StockStore interface {
	// Begin opens a transaction scope. Every stock mutation runs inside one.
	Begin(ctx context.Context) (StockTx, error)

	// CentralStock returns the committed central quantity of a product.
	CentralStock(ctx context.Context, productID int64) (int64, error)

	// BranchStock returns the committed branch quantity, 0 when the row does not exist.
	BranchStock(ctx context.Context, branchID, productID int64) (int64, error)
}

// StockTx holds exclusive per-key locks until Commit or Rollback. Writes are
// invisible to other callers before Commit. Locking a key twice in the same
// transaction is allowed. A lock wait timeout is reported as a
// *domain.ConflictError.
type StockTx interface {
	// LockCentral locks the central quantity of a product and returns it.
	LockCentral(ctx context.Context, productID int64) (int64, error)
	SetCentral(ctx context.Context, productID, quantity int64) error

	// LockBranch locks a branch quantity, creating the row at 0 when absent, and returns it.
	LockBranch(ctx context.Context, branchID, productID int64) (int64, error)
	SetBranch(ctx context.Context, branchID, productID, quantity int64) error

	InsertInboundMovements(ctx context.Context, movements []domain.InboundMovement) error
	InsertOrder(ctx context.Context, order *domain.Order) error
	InsertFulfillment(ctx context.Context, record *domain.FulfillmentRecord) error

	Commit(ctx context.Context) error

	// Rollback discards the transaction. It is a no-op after Commit.
	Rollback(ctx context.Context) error
}

type ProductCatalog interface {
	// GetProduct returns domain.ErrProductNotFound for unknown ids.
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
}

type OrderReader interface {
	// GetOrder returns domain.ErrOrderNotFound for unknown ids.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}
