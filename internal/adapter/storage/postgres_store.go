package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

//go:embed postgres_schema.sql
var postgresSchema string

// SQLSTATE codes treated as lock conflicts.
const (
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
)

// PostgresStore is the StockStore, ProductCatalog and OrderReader for the
// postgres driver.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (port.StockTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.Exec(ctx, lockTimeoutStatement(s.lockTimeout)); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

// lockTimeoutStatement rounds up to whole milliseconds. A lock_timeout of 0
// disables the timeout, so anything positive stays at least 1ms.
func lockTimeoutStatement(d time.Duration) string {
	ms := int64(math.Max(1, math.Ceil(float64(d)/float64(time.Millisecond))))
	return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)
}

func (s *PostgresStore) CentralStock(ctx context.Context, productID int64) (int64, error) {
	var qty int64
	err := s.pool.QueryRow(ctx, `SELECT central_stock FROM products WHERE id = $1`, productID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrProductNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query central stock: %w", err)
	}
	return qty, nil
}

func (s *PostgresStore) BranchStock(ctx context.Context, branchID, productID int64) (int64, error) {
	var qty int64
	err := s.pool.QueryRow(ctx,
		`SELECT quantity FROM branch_stocks WHERE branch_id = $1 AND product_id = $2`,
		branchID, productID,
	).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query branch stock: %w", err)
	}
	return qty, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	var p domain.Product
	err := s.pool.QueryRow(ctx,
		`SELECT id, sku, unit_price, central_stock, updated_at FROM products WHERE id = $1`,
		productID,
	).Scan(&p.ID, &p.SKU, &p.UnitPrice, &p.CentralStock, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SeedProduct(ctx context.Context, p domain.Product) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, sku, unit_price, central_stock, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.SKU, p.UnitPrice, p.CentralStock,
	)
	if err != nil {
		return fmt.Errorf("seed product %d: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, branch_id, status, total_amount, created_by, created_at
		FROM orders WHERE id = $1`, orderID,
	).Scan(&o.ID, &o.CustomerID, &o.BranchID, &status, &o.TotalAmount, &o.CreatedBy, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	o.Status = domain.OrderStatus(status)

	rows, err := s.pool.Query(ctx, `
		SELECT product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	return &o, rows.Err()
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockCentral(ctx context.Context, productID int64) (int64, error) {
	var qty int64
	err := t.tx.QueryRow(ctx,
		`SELECT central_stock FROM products WHERE id = $1 FOR UPDATE`, productID,
	).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrProductNotFound
	}
	if err != nil {
		return 0, postgresLockError(domain.CentralKey(productID), err)
	}
	return qty, nil
}

func (t *postgresTx) SetCentral(ctx context.Context, productID, quantity int64) error {
	if quantity < 0 {
		return fmt.Errorf("stock %s cannot go negative: %d", domain.CentralKey(productID), quantity)
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE products SET central_stock = $1, updated_at = now() WHERE id = $2`,
		quantity, productID,
	)
	if err != nil {
		return postgresLockError(domain.CentralKey(productID), err)
	}
	return nil
}

func (t *postgresTx) LockBranch(ctx context.Context, branchID, productID int64) (int64, error) {
	key := domain.BranchKey(branchID, productID)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO branch_stocks (branch_id, product_id, quantity, updated_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (branch_id, product_id) DO NOTHING`,
		branchID, productID,
	)
	if err != nil {
		return 0, postgresLockError(key, err)
	}

	var qty int64
	err = t.tx.QueryRow(ctx,
		`SELECT quantity FROM branch_stocks WHERE branch_id = $1 AND product_id = $2 FOR UPDATE`,
		branchID, productID,
	).Scan(&qty)
	if err != nil {
		return 0, postgresLockError(key, err)
	}
	return qty, nil
}

func (t *postgresTx) SetBranch(ctx context.Context, branchID, productID, quantity int64) error {
	key := domain.BranchKey(branchID, productID)
	if quantity < 0 {
		return fmt.Errorf("stock %s cannot go negative: %d", key, quantity)
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE branch_stocks SET quantity = $1, updated_at = now()
		WHERE branch_id = $2 AND product_id = $3`,
		quantity, branchID, productID,
	)
	if err != nil {
		return postgresLockError(key, err)
	}
	return nil
}

func (t *postgresTx) InsertInboundMovements(ctx context.Context, movements []domain.InboundMovement) error {
	batch := &pgx.Batch{}
	for _, mv := range movements {
		batch.Queue(`
			INSERT INTO inbound_movements (id, batch_id, product_id, branch_id, quantity, date, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			mv.ID, mv.BatchID, mv.ProductID, mv.BranchID, mv.Quantity, mv.Date, mv.CreatedBy, mv.CreatedAt,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert inbound movements: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO orders (id, customer_id, branch_id, status, total_amount, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		order.ID, order.CustomerID, order.BranchID, string(order.Status), order.TotalAmount,
		order.CreatedBy, order.CreatedAt,
	)
	for _, item := range order.Items {
		batch.Queue(`
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)`,
			order.ID, item.ProductID, item.Quantity, item.UnitPrice,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertFulfillment(ctx context.Context, record *domain.FulfillmentRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO fulfillment_records (id, order_number, order_id, product_id, branch_id, quantity, invoice_date, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID, record.OrderNumber, record.OrderID, record.ProductID, record.BranchID,
		record.Quantity, record.InvoiceDate, record.CreatedBy, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fulfillment: %w", err)
	}
	return nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return domain.ErrTxDone
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure {
			return &domain.ConflictError{Err: err}
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func postgresLockError(key domain.StockKey, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFailure:
			return &domain.ConflictError{Key: key, Err: err}
		}
	}
	return fmt.Errorf("stock %s: %w", key, err)
}
