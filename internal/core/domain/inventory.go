package domain

import (
	"cmp"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CentralBranchID is the branch id used in a StockKey for the central pool.
const CentralBranchID int64 = 0

type Product struct {
	ID           int64
	SKU          string
	UnitPrice    decimal.Decimal
	CentralStock int64
	UpdatedAt    time.Time
}

type BranchStock struct {
	BranchID  int64
	ProductID int64
	Quantity  int64
	UpdatedAt time.Time
}

// StockKey identifies one lockable stock quantity: the central pool of a
// product when BranchID is CentralBranchID, a branch pool otherwise.
type StockKey struct {
	BranchID  int64
	ProductID int64
}

func CentralKey(productID int64) StockKey {
	return StockKey{BranchID: CentralBranchID, ProductID: productID}
}

func BranchKey(branchID, productID int64) StockKey {
	return StockKey{BranchID: branchID, ProductID: productID}
}

func (k StockKey) IsCentral() bool {
	return k.BranchID == CentralBranchID
}

// Compare orders keys by branch then product, so every central key sorts
// before the branch keys. Locks are always taken in this order.
func (k StockKey) Compare(other StockKey) int {
	if c := cmp.Compare(k.BranchID, other.BranchID); c != 0 {
		return c
	}
	return cmp.Compare(k.ProductID, other.ProductID)
}

func (k StockKey) String() string {
	if k.IsCentral() {
		return fmt.Sprintf("central:%d", k.ProductID)
	}
	return fmt.Sprintf("branch:%d:%d", k.BranchID, k.ProductID)
}

// StockLevel is the quantity held under a key after a committed change.
type StockLevel struct {
	BranchID  int64 `json:"branch_id"`
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

func (l StockLevel) Key() StockKey {
	return StockKey{BranchID: l.BranchID, ProductID: l.ProductID}
}

// MovementLine is one product/quantity pair of a batch or an order request.
type MovementLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

type InboundMovement struct {
	ID        string
	BatchID   string
	ProductID int64
	BranchID  int64
	Quantity  int64
	Date      time.Time
	CreatedBy string
	CreatedAt time.Time
}
