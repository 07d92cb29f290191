package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/ledger?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{})
	if err != nil {
		t.Fatalf("open gorm: %v", err)
	}
	if err := NewGormCatalog(gdb).AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return db
}

func resetMySQLProduct(t *testing.T, db *sql.DB, productID, central int64) {
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `
		INSERT INTO products (id, sku, unit_price, central_stock, updated_at) VALUES (?, ?, 5.00, ?, NOW())
		ON DUPLICATE KEY UPDATE central_stock = VALUES(central_stock)`,
		productID, "TEST-"+uuid.NewString()[:8], central,
	)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	db.ExecContext(ctx, `DELETE FROM branch_stocks WHERE product_id = ?`, productID)
}

func TestMySQLAdapter_InboundCommit(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db, time.Second)
	resetMySQLProduct(t, db, 9001, 1000)

	tx, err := adapter.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	central, err := tx.LockCentral(ctx, 9001)
	if err != nil {
		t.Fatalf("LockCentral failed: %v", err)
	}
	branch, err := tx.LockBranch(ctx, 1, 9001)
	if err != nil {
		t.Fatalf("LockBranch failed: %v", err)
	}
	tx.SetCentral(ctx, 9001, central-300)
	tx.SetBranch(ctx, 1, 9001, branch+300)
	mv := domain.InboundMovement{
		ID: uuid.NewString(), ProductID: 9001, BranchID: 1, Quantity: 300,
		Date: time.Now().UTC(), CreatedBy: "test", CreatedAt: time.Now().UTC(),
	}
	if err := tx.InsertInboundMovements(ctx, []domain.InboundMovement{mv}); err != nil {
		t.Fatalf("InsertInboundMovements failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if qty, _ := adapter.CentralStock(ctx, 9001); qty != 700 {
		t.Errorf("expected central 700, got %d", qty)
	}
	if qty, _ := adapter.BranchStock(ctx, 1, 9001); qty != 300 {
		t.Errorf("expected branch 300, got %d", qty)
	}

	// Cleanup
	db.ExecContext(ctx, `DELETE FROM inbound_movements WHERE id = ?`, mv.ID)
}

func TestMySQLAdapter_RollbackRemovesLazyBranchRow(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db, time.Second)
	resetMySQLProduct(t, db, 9002, 10)

	tx, _ := adapter.Begin(ctx)
	if _, err := tx.LockBranch(ctx, 4, 9002); err != nil {
		t.Fatalf("LockBranch failed: %v", err)
	}
	tx.Rollback(ctx)

	var count int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM branch_stocks WHERE branch_id = 4 AND product_id = 9002`).Scan(&count)
	if count != 0 {
		t.Errorf("expected no branch row after rollback, got %d", count)
	}
}

func TestMySQLAdapter_LockWaitTimeoutIsConflict(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db, time.Second)
	resetMySQLProduct(t, db, 9003, 10)

	holder, _ := adapter.Begin(ctx)
	if _, err := holder.LockCentral(ctx, 9003); err != nil {
		t.Fatalf("LockCentral failed: %v", err)
	}
	defer holder.Rollback(ctx)

	waiter, _ := adapter.Begin(ctx)
	defer waiter.Rollback(ctx)
	_, err := waiter.LockCentral(ctx, 9003)
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestMySQLAdapter_ConcurrentBranchDecrements(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db, 5*time.Second)
	resetMySQLProduct(t, db, 9004, 0)
	if _, err := db.ExecContext(ctx, `
		INSERT INTO branch_stocks (branch_id, product_id, quantity, updated_at) VALUES (2, 9004, 100, NOW())`); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	const workers = 20
	var failed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := adapter.Begin(ctx)
			if err != nil {
				failed.Add(1)
				t.Errorf("Begin failed: %v", err)
				return
			}
			defer tx.Rollback(ctx)

			qty, err := tx.LockBranch(ctx, 2, 9004)
			if err == nil {
				err = tx.SetBranch(ctx, 2, 9004, qty-1)
			}
			if err == nil {
				err = tx.Commit(ctx)
			}
			if err != nil {
				failed.Add(1)
				t.Errorf("decrement failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatalf("%d of %d decrements failed on an existing row", failed.Load(), workers)
	}
	if qty, _ := adapter.BranchStock(ctx, 2, 9004); qty != 100-workers {
		t.Errorf("expected branch %d, got %d", 100-workers, qty)
	}
}

func TestMySQLAdapter_OrderRoundTrip(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db, time.Second)

	order := &domain.Order{
		ID:         uuid.NewString(),
		CustomerID: "test-customer",
		BranchID:   1,
		Status:     domain.OrderStatusPending,
		CreatedBy:  "test",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	order.AddItem(domain.OrderItem{ProductID: 9001, Quantity: 2, UnitPrice: decimal.RequireFromString("5.25")})

	tx, _ := adapter.Begin(ctx)
	if err := tx.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	gdb, _ := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{})
	got, err := NewGormCatalog(gdb).GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if !got.TotalAmount.Equal(decimal.RequireFromString("10.50")) || len(got.Items) != 1 {
		t.Errorf("unexpected order %+v", got)
	}

	if _, err := NewGormCatalog(gdb).GetOrder(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}

	// Cleanup
	db.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = ?`, order.ID)
	db.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, order.ID)
}

func TestGormCatalog_SeedAndGetProduct(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	gdb, _ := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{})
	catalog := NewGormCatalog(gdb)
	db.ExecContext(ctx, `DELETE FROM products WHERE id = 9010`)

	p := domain.Product{ID: 9010, SKU: "SEED-9010", UnitPrice: decimal.RequireFromString("3.10"), CentralStock: 40}
	if err := catalog.SeedProduct(ctx, p); err != nil {
		t.Fatalf("SeedProduct failed: %v", err)
	}
	// Reseeding keeps the existing stock
	p.CentralStock = 999
	if err := catalog.SeedProduct(ctx, p); err != nil {
		t.Fatalf("second SeedProduct failed: %v", err)
	}

	got, err := catalog.GetProduct(ctx, 9010)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if got.SKU != "SEED-9010" || got.CentralStock != 40 || !got.UnitPrice.Equal(p.UnitPrice) {
		t.Errorf("unexpected product %+v", got)
	}
	if _, err := catalog.GetProduct(ctx, -1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
}

func TestGormModels_RejectNegativeStock(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	resetMySQLProduct(t, db, 9005, 10)

	gdb, _ := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{})
	if !gdb.Migrator().HasConstraint(&ProductModel{}, "chk_products_central_stock") {
		t.Error("expected central stock check constraint")
	}
	if !gdb.Migrator().HasConstraint(&BranchStockModel{}, "chk_branch_stocks_quantity") {
		t.Error("expected branch quantity check constraint")
	}

	if _, err := db.ExecContext(ctx, `UPDATE products SET central_stock = -1 WHERE id = 9005`); err == nil {
		t.Error("expected negative central stock to be rejected")
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO branch_stocks (branch_id, product_id, quantity, updated_at) VALUES (5, 9005, -1, NOW())`); err == nil {
		t.Error("expected negative branch quantity to be rejected")
	}
}
