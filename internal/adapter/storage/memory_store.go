package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const DefaultLockTimeout = 2 * time.Second

var errLockWaitTimeout = errors.New("lock wait timeout exceeded")

// keyLocks hands out one exclusive lock per stock key. Waiting is bounded by
// the timeout and by ctx.
type keyLocks struct {
	mu   sync.Mutex
	sems map[domain.StockKey]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{sems: make(map[domain.StockKey]chan struct{})}
}

func (l *keyLocks) sem(key domain.StockKey) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[key] = s
	}
	return s
}

func (l *keyLocks) acquire(ctx context.Context, key domain.StockKey, timeout time.Duration) error {
	s := l.sem(key)
	select {
	case s <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s <- struct{}{}:
		return nil
	case <-timer.C:
		return &domain.ConflictError{Key: key, Err: errLockWaitTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *keyLocks) release(key domain.StockKey) {
	<-l.sem(key)
}

// MemoryStore keeps the whole ledger in process. It is used by tests, the
// stress tool and the "memory" storage driver.
type MemoryStore struct {
	mu           sync.RWMutex
	products     map[int64]domain.Product
	branches     map[domain.StockKey]domain.BranchStock
	movements    []domain.InboundMovement
	orders       []domain.Order
	fulfillments []domain.FulfillmentRecord

	locks       *keyLocks
	lockTimeout time.Duration
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryStore{
		products:    make(map[int64]domain.Product),
		branches:    make(map[domain.StockKey]domain.BranchStock),
		locks:       newKeyLocks(),
		lockTimeout: lockTimeout,
	}
}

// PutProduct inserts or replaces a product, including its central stock.
func (s *MemoryStore) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.products[p.ID] = p
}

// SeedProduct stores p unless a product with the same id exists. A SKU held
// by another product is rejected.
func (s *MemoryStore) SeedProduct(ctx context.Context, p domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.products[p.ID]; exists {
		return nil
	}
	for _, other := range s.products {
		if other.SKU == p.SKU {
			return fmt.Errorf("sku %q already used by product %d", p.SKU, other.ID)
		}
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.products[p.ID] = p
	return nil
}

func (s *MemoryStore) SetBranchStock(branchID, productID, quantity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[domain.BranchKey(branchID, productID)] = domain.BranchStock{
		BranchID:  branchID,
		ProductID: productID,
		Quantity:  quantity,
		UpdatedAt: time.Now().UTC(),
	}
}

func (s *MemoryStore) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return &p, nil
}

func (s *MemoryStore) CentralStock(ctx context.Context, productID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	return p.CentralStock, nil
}

func (s *MemoryStore) BranchStock(ctx context.Context, branchID, productID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.branches[domain.BranchKey(branchID, productID)].Quantity, nil
}

// TotalStock sums central and branch quantities of a product.
func (s *MemoryStore) TotalStock(productID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := s.products[productID].CentralStock
	for key, row := range s.branches {
		if key.ProductID == productID {
			total += row.Quantity
		}
	}
	return total
}

// BranchStocks returns all branch rows ordered by branch then product.
func (s *MemoryStore) BranchStocks() []domain.BranchStock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]domain.BranchStock, 0, len(s.branches))
	for _, row := range s.branches {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].BranchID != rows[j].BranchID {
			return rows[i].BranchID < rows[j].BranchID
		}
		return rows[i].ProductID < rows[j].ProductID
	})
	return rows
}

func (s *MemoryStore) Movements() []domain.InboundMovement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.InboundMovement(nil), s.movements...)
}

func (s *MemoryStore) Orders() []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Order(nil), s.orders...)
}

func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orders {
		if o.ID == orderID {
			o.Items = append([]domain.OrderItem(nil), o.Items...)
			return &o, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (s *MemoryStore) Fulfillments() []domain.FulfillmentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.FulfillmentRecord(nil), s.fulfillments...)
}

func (s *MemoryStore) Begin(ctx context.Context) (port.StockTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{
		store:  s,
		held:   make(map[domain.StockKey]struct{}),
		writes: make(map[domain.StockKey]int64),
	}, nil
}

// memoryTx buffers writes until Commit. It must be used by one goroutine.
type memoryTx struct {
	store        *MemoryStore
	held         map[domain.StockKey]struct{}
	writes       map[domain.StockKey]int64
	movements    []domain.InboundMovement
	orders       []domain.Order
	fulfillments []domain.FulfillmentRecord
	done         bool
}

func (t *memoryTx) lock(ctx context.Context, key domain.StockKey) error {
	if t.done {
		return domain.ErrTxDone
	}
	if _, ok := t.held[key]; ok {
		return nil
	}
	if err := t.store.locks.acquire(ctx, key, t.store.lockTimeout); err != nil {
		return err
	}
	t.held[key] = struct{}{}
	return nil
}

func (t *memoryTx) LockCentral(ctx context.Context, productID int64) (int64, error) {
	key := domain.CentralKey(productID)
	if _, err := t.store.GetProduct(ctx, productID); err != nil {
		return 0, err
	}
	if err := t.lock(ctx, key); err != nil {
		return 0, err
	}
	if qty, ok := t.writes[key]; ok {
		return qty, nil
	}
	return t.store.CentralStock(ctx, productID)
}

func (t *memoryTx) LockBranch(ctx context.Context, branchID, productID int64) (int64, error) {
	if branchID == domain.CentralBranchID {
		return 0, fmt.Errorf("branch id %d is reserved for central stock", branchID)
	}
	key := domain.BranchKey(branchID, productID)
	if err := t.lock(ctx, key); err != nil {
		return 0, err
	}
	if qty, ok := t.writes[key]; ok {
		return qty, nil
	}
	return t.store.BranchStock(ctx, branchID, productID)
}

func (t *memoryTx) set(key domain.StockKey, quantity int64) error {
	if t.done {
		return domain.ErrTxDone
	}
	if _, ok := t.held[key]; !ok {
		return fmt.Errorf("stock %s written without holding its lock", key)
	}
	if quantity < 0 {
		return fmt.Errorf("stock %s cannot go negative: %d", key, quantity)
	}
	t.writes[key] = quantity
	return nil
}

func (t *memoryTx) SetCentral(ctx context.Context, productID, quantity int64) error {
	return t.set(domain.CentralKey(productID), quantity)
}

func (t *memoryTx) SetBranch(ctx context.Context, branchID, productID, quantity int64) error {
	return t.set(domain.BranchKey(branchID, productID), quantity)
}

func (t *memoryTx) InsertInboundMovements(ctx context.Context, movements []domain.InboundMovement) error {
	if t.done {
		return domain.ErrTxDone
	}
	t.movements = append(t.movements, movements...)
	return nil
}

func (t *memoryTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	if t.done {
		return domain.ErrTxDone
	}
	o := *order
	o.Items = append([]domain.OrderItem(nil), order.Items...)
	t.orders = append(t.orders, o)
	return nil
}

func (t *memoryTx) InsertFulfillment(ctx context.Context, record *domain.FulfillmentRecord) error {
	if t.done {
		return domain.ErrTxDone
	}
	t.fulfillments = append(t.fulfillments, *record)
	return nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return domain.ErrTxDone
	}

	s := t.store
	now := time.Now().UTC()
	s.mu.Lock()
	for key, qty := range t.writes {
		if key.IsCentral() {
			p := s.products[key.ProductID]
			p.CentralStock = qty
			p.UpdatedAt = now
			s.products[key.ProductID] = p
			continue
		}
		s.branches[key] = domain.BranchStock{
			BranchID:  key.BranchID,
			ProductID: key.ProductID,
			Quantity:  qty,
			UpdatedAt: now,
		}
	}
	s.movements = append(s.movements, t.movements...)
	s.orders = append(s.orders, t.orders...)
	s.fulfillments = append(s.fulfillments, t.fulfillments...)
	s.mu.Unlock()

	t.finish()
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *memoryTx) finish() {
	for key := range t.held {
		t.store.locks.release(key)
	}
	t.held = nil
	t.writes = nil
	t.done = true
}
