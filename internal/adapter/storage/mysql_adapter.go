package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// MySQLAdapter is the StockStore backed by InnoDB row locks. Every lock is a
// SELECT ... FOR UPDATE held until the transaction ends.
type MySQLAdapter struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewMySQLAdapter(db *sql.DB, lockTimeout time.Duration) *MySQLAdapter {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MySQLAdapter{db: db, lockTimeout: lockTimeout}
}

func (m *MySQLAdapter) Begin(ctx context.Context) (port.StockTx, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	// innodb_lock_wait_timeout only takes whole seconds, minimum 1.
	seconds := int(math.Max(1, math.Ceil(m.lockTimeout.Seconds())))
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", seconds)); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("set lock wait timeout: %w", err)
	}
	return &mysqlTx{tx: tx}, nil
}

func (m *MySQLAdapter) CentralStock(ctx context.Context, productID int64) (int64, error) {
	var qty int64
	err := m.db.QueryRowContext(ctx, `SELECT central_stock FROM products WHERE id = ?`, productID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrProductNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query central stock: %w", err)
	}
	return qty, nil
}

func (m *MySQLAdapter) BranchStock(ctx context.Context, branchID, productID int64) (int64, error) {
	var qty int64
	err := m.db.QueryRowContext(ctx, `
		SELECT quantity FROM branch_stocks WHERE branch_id = ? AND product_id = ?`,
		branchID, productID,
	).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query branch stock: %w", err)
	}
	return qty, nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) LockCentral(ctx context.Context, productID int64) (int64, error) {
	var qty int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT central_stock FROM products WHERE id = ? FOR UPDATE`, productID,
	).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrProductNotFound
	}
	if err != nil {
		return 0, mysqlLockError(domain.CentralKey(productID), err)
	}
	return qty, nil
}

func (t *mysqlTx) SetCentral(ctx context.Context, productID, quantity int64) error {
	if quantity < 0 {
		return fmt.Errorf("stock %s cannot go negative: %d", domain.CentralKey(productID), quantity)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE products SET central_stock = ?, updated_at = NOW() WHERE id = ?`,
		quantity, productID,
	)
	if err != nil {
		return mysqlLockError(domain.CentralKey(productID), err)
	}
	return nil
}

func (t *mysqlTx) LockBranch(ctx context.Context, branchID, productID int64) (int64, error) {
	key := domain.BranchKey(branchID, productID)

	// Missing rows are created inside the transaction so a rollback removes them.
	// The no-op update takes the exclusive row lock on an existing row; INSERT
	// IGNORE would take a shared one, and two orders upgrading it deadlock.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO branch_stocks (branch_id, product_id, quantity, updated_at)
		VALUES (?, ?, 0, NOW())
		ON DUPLICATE KEY UPDATE quantity = quantity`,
		branchID, productID,
	)
	if err != nil {
		return 0, mysqlLockError(key, err)
	}

	var qty int64
	err = t.tx.QueryRowContext(ctx, `
		SELECT quantity FROM branch_stocks WHERE branch_id = ? AND product_id = ? FOR UPDATE`,
		branchID, productID,
	).Scan(&qty)
	if err != nil {
		return 0, mysqlLockError(key, err)
	}
	return qty, nil
}

func (t *mysqlTx) SetBranch(ctx context.Context, branchID, productID, quantity int64) error {
	key := domain.BranchKey(branchID, productID)
	if quantity < 0 {
		return fmt.Errorf("stock %s cannot go negative: %d", key, quantity)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE branch_stocks SET quantity = ?, updated_at = NOW()
		WHERE branch_id = ? AND product_id = ?`,
		quantity, branchID, productID,
	)
	if err != nil {
		return mysqlLockError(key, err)
	}
	return nil
}

func (t *mysqlTx) InsertInboundMovements(ctx context.Context, movements []domain.InboundMovement) error {
	for _, mv := range movements {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO inbound_movements (id, batch_id, product_id, branch_id, quantity, date, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			mv.ID, mv.BatchID, mv.ProductID, mv.BranchID, mv.Quantity, mv.Date, mv.CreatedBy, mv.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert inbound movement: %w", err)
		}
	}
	return nil
}

func (t *mysqlTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, branch_id, status, total_amount, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.CustomerID, order.BranchID, order.Status, order.TotalAmount,
		order.CreatedBy, order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES (?, ?, ?, ?)`,
			order.ID, item.ProductID, item.Quantity, item.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (t *mysqlTx) InsertFulfillment(ctx context.Context, record *domain.FulfillmentRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO fulfillment_records (id, order_number, order_id, product_id, branch_id, quantity, invoice_date, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.OrderNumber, record.OrderID, record.ProductID, record.BranchID,
		record.Quantity, record.InvoiceDate, record.CreatedBy, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fulfillment: %w", err)
	}
	return nil
}

func (t *mysqlTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return domain.ErrTxDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *mysqlTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// mysqlLockError maps InnoDB lock wait timeouts and deadlocks to a conflict.
// A deadlock victim has already been rolled back by the server.
func mysqlLockError(key domain.StockKey, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return &domain.ConflictError{Key: key, Err: err}
		}
	}
	return fmt.Errorf("stock %s: %w", key, err)
}
