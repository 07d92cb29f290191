package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// GormCatalog serves product and order lookups for the MySQL deployment and
// owns its schema migration.
type GormCatalog struct {
	db *gorm.DB
}

func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

func (c *GormCatalog) AutoMigrate(ctx context.Context) error {
	if err := c.db.WithContext(ctx).AutoMigrate(ledgerModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (c *GormCatalog) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	var model ProductModel
	err := c.db.WithContext(ctx).Where("id = ?", productID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrProductNotFound
		}
		return nil, err
	}
	return toDomainProduct(&model), nil
}

// SeedProduct inserts a product unless its id already exists. Existing rows,
// including their stock, are left alone.
func (c *GormCatalog) SeedProduct(ctx context.Context, p domain.Product) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fromDomainProduct(&p)).Error
}

func (c *GormCatalog) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var model OrderModel
	err := c.db.WithContext(ctx).Preload("Items").Where("id = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return toDomainOrder(&model), nil
}

// GormAuditWriter appends audit entries to the activity_logs table.
type GormAuditWriter struct {
	db *gorm.DB
}

func NewGormAuditWriter(db *gorm.DB) *GormAuditWriter {
	return &GormAuditWriter{db: db}
}

func (w *GormAuditWriter) WriteAudit(ctx context.Context, entry domain.AuditEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return w.db.WithContext(ctx).Create(&ActivityLogModel{
		ActorID:     entry.ActorID,
		Action:      string(entry.Action),
		Description: entry.Description,
		CreatedAt:   at,
	}).Error
}
