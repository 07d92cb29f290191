package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// ProductModel maps the products table. Central stock lives on the product row.
type ProductModel struct {
	ID           int64           `gorm:"primaryKey;autoIncrement:false"`
	SKU          string          `gorm:"size:64;uniqueIndex"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(12,2)"`
	CentralStock int64           `gorm:"not null;default:0;check:chk_products_central_stock,central_stock >= 0"`
	UpdatedAt    time.Time
}

func (ProductModel) TableName() string {
	return "products"
}

type BranchStockModel struct {
	BranchID  int64 `gorm:"primaryKey;autoIncrement:false"`
	ProductID int64 `gorm:"primaryKey;autoIncrement:false;index"`
	Quantity  int64 `gorm:"not null;default:0;check:chk_branch_stocks_quantity,quantity >= 0"`
	UpdatedAt time.Time
}

func (BranchStockModel) TableName() string {
	return "branch_stocks"
}

type InboundMovementModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	BatchID   string `gorm:"size:36;index"`
	ProductID int64  `gorm:"index"`
	BranchID  int64
	Quantity  int64
	Date      time.Time `gorm:"type:date"`
	CreatedBy string    `gorm:"size:64"`
	CreatedAt time.Time
}

func (InboundMovementModel) TableName() string {
	return "inbound_movements"
}

type OrderModel struct {
	ID          string `gorm:"primaryKey;size:36"`
	CustomerID  string `gorm:"size:64;index"`
	BranchID    int64
	Status      string          `gorm:"size:16"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(14,2)"`
	CreatedBy   string          `gorm:"size:64"`
	CreatedAt   time.Time
	Items       []OrderItemModel `gorm:"foreignKey:OrderID"`
}

func (OrderModel) TableName() string {
	return "orders"
}

type OrderItemModel struct {
	ID        int64  `gorm:"primaryKey"`
	OrderID   string `gorm:"size:36;index"`
	ProductID int64
	Quantity  int64
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2)"`
}

func (OrderItemModel) TableName() string {
	return "order_items"
}

type FulfillmentRecordModel struct {
	ID          string  `gorm:"primaryKey;size:36"`
	OrderNumber string  `gorm:"size:64;index"`
	OrderID     *string `gorm:"size:36"`
	ProductID   int64
	BranchID    int64
	Quantity    int64
	InvoiceDate time.Time
	CreatedBy   string `gorm:"size:64"`
	CreatedAt   time.Time
}

func (FulfillmentRecordModel) TableName() string {
	return "fulfillment_records"
}

type ActivityLogModel struct {
	ID          int64  `gorm:"primaryKey"`
	ActorID     string `gorm:"size:64;index"`
	Action      string `gorm:"size:32"`
	Description string `gorm:"type:text"`
	CreatedAt   time.Time
}

func (ActivityLogModel) TableName() string {
	return "activity_logs"
}

// ledgerModels lists every table in migration order.
func ledgerModels() []any {
	return []any{
		&ProductModel{},
		&BranchStockModel{},
		&InboundMovementModel{},
		&OrderModel{},
		&OrderItemModel{},
		&FulfillmentRecordModel{},
		&ActivityLogModel{},
	}
}

func toDomainProduct(m *ProductModel) *domain.Product {
	if m == nil {
		return nil
	}
	return &domain.Product{
		ID:           m.ID,
		SKU:          m.SKU,
		UnitPrice:    m.UnitPrice,
		CentralStock: m.CentralStock,
		UpdatedAt:    m.UpdatedAt,
	}
}

func fromDomainProduct(p *domain.Product) *ProductModel {
	return &ProductModel{
		ID:           p.ID,
		SKU:          p.SKU,
		UnitPrice:    p.UnitPrice,
		CentralStock: p.CentralStock,
		UpdatedAt:    p.UpdatedAt,
	}
}

func toDomainOrder(m *OrderModel) *domain.Order {
	order := &domain.Order{
		ID:          m.ID,
		CustomerID:  m.CustomerID,
		BranchID:    m.BranchID,
		Status:      domain.OrderStatus(m.Status),
		TotalAmount: m.TotalAmount,
		CreatedBy:   m.CreatedBy,
		CreatedAt:   m.CreatedAt,
	}
	for _, item := range m.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return order
}
