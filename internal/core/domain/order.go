package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

// Only OrderStatusPending is ever written by the ledger. The other states are
// advanced by order administration outside of it.
const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

type OrderItem struct {
	ProductID int64
	Quantity  int64
	UnitPrice decimal.Decimal
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

type Order struct {
	ID          string
	CustomerID  string
	BranchID    int64
	Status      OrderStatus
	TotalAmount decimal.Decimal
	Items       []OrderItem
	CreatedBy   string
	CreatedAt   time.Time
}

// AddItem appends an item with its price snapshot and keeps TotalAmount in step.
func (o *Order) AddItem(item OrderItem) {
	o.Items = append(o.Items, item)
	o.TotalAmount = o.TotalAmount.Add(item.Subtotal())
}

type FulfillmentRecord struct {
	ID          string
	OrderNumber string
	OrderID     *string
	ProductID   int64
	BranchID    int64
	Quantity    int64
	InvoiceDate time.Time
	CreatedBy   string
	CreatedAt   time.Time
}
