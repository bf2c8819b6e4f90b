package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"allocation-service/internal/models"
	"allocation-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeStore wraps a MemoryStore with failure injection and a read delay that widens race windows
type fakeStore struct {
	*store.MemoryStore

	readDelay      time.Duration
	getProductErr  error
	updateStockErr error
	createOrderErr error
	getOrderErr    error

	mu            sync.Mutex
	stockUpdates  []int
	activeReaders map[int64]int
	overlap       bool
}

func newFakeStore(t *testing.T, products ...models.Product) *fakeStore {
	t.Helper()

	fs := &fakeStore{
		MemoryStore:   store.NewMemoryStore(),
		activeReaders: make(map[int64]int),
	}
	for _, p := range products {
		product := p
		require.NoError(t, fs.MemoryStore.CreateProduct(context.Background(), &product))
	}
	return fs
}

func (f *fakeStore) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	f.mu.Lock()
	f.activeReaders[id]++
	if f.activeReaders[id] > 1 {
		f.overlap = true
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.activeReaders[id]--
		f.mu.Unlock()
	}()

	if f.readDelay > 0 {
		time.Sleep(f.readDelay)
	}
	if f.getProductErr != nil {
		return nil, f.getProductErr
	}
	return f.MemoryStore.GetProductByID(ctx, id)
}

func (f *fakeStore) UpdateStock(ctx context.Context, productID int64, stock int) error {
	if f.updateStockErr != nil {
		return f.updateStockErr
	}
	f.mu.Lock()
	f.stockUpdates = append(f.stockUpdates, stock)
	f.mu.Unlock()
	return f.MemoryStore.UpdateStock(ctx, productID, stock)
}

func (f *fakeStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if f.createOrderErr != nil {
		return f.createOrderErr
	}
	return f.MemoryStore.CreateOrder(ctx, order)
}

func (f *fakeStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	if f.getOrderErr != nil {
		return nil, f.getOrderErr
	}
	return f.MemoryStore.GetOrderByID(ctx, id)
}

func (f *fakeStore) stock(t *testing.T, id int64) int {
	t.Helper()
	p, err := f.MemoryStore.GetProductByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func (f *fakeStore) orders(t *testing.T) []models.Order {
	t.Helper()
	orders, err := f.MemoryStore.ListOrders(context.Background())
	require.NoError(t, err)
	return orders
}

// rawRequest builds a request from raw JSON values; an empty string leaves the field absent
func rawRequest(productID, quantity string) OrderRequest {
	var req OrderRequest
	if productID != "" {
		req.ProductID = json.RawMessage(productID)
	}
	if quantity != "" {
		req.Quantity = json.RawMessage(quantity)
	}
	return req
}

func TestPlaceOrderSuccess(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Laptop", Stock: 50})
	a := NewAllocator(fs, 0)

	result, err := a.PlaceOrder(context.Background(), NewOrderRequest(1, 10))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, int64(1), result.Order.ProductID)
	assert.Equal(t, 10, result.Order.Quantity)
	assert.Equal(t, models.OrderStatusCompleted, result.Order.Status)
	assert.NotZero(t, result.Order.ID)
	assert.Equal(t, "Laptop", result.Product.Name)
	assert.Equal(t, 50, result.Product.PreviousStock)
	assert.Equal(t, 40, result.Product.NewStock)

	assert.Equal(t, 40, fs.stock(t, 1))

	order, err := a.GetOrder(context.Background(), result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, order.Quantity)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.Equal(t, 0, a.locks.InFlight())
}

func TestPlaceOrderExactStock(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Monitor", Stock: 30})
	a := NewAllocator(fs, 0)

	result, err := a.PlaceOrder(context.Background(), NewOrderRequest(1, 30))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Product.NewStock)
	assert.Equal(t, 0, fs.stock(t, 1))
}

func TestPlaceOrderRejections(t *testing.T) {
	tests := []struct {
		name string
		req  OrderRequest
		kind ErrorKind
	}{
		{"insufficient stock", NewOrderRequest(1, 31), KindInsufficientStock},
		{"unknown product", NewOrderRequest(999, 1), KindProductNotFound},
		{"zero quantity", rawRequest("1", "0"), KindInvalidQuantity},
		{"fractional quantity", rawRequest("1", "2.5"), KindInvalidQuantity},
		{"negative product id", rawRequest("-1", "5"), KindInvalidProductID},
		{"missing quantity", rawRequest("1", ""), KindInvalidInput},
		{"missing product id", rawRequest("", "1"), KindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore(t, models.Product{Name: "Monitor", Stock: 30})
			a := NewAllocator(fs, 0)

			result, err := a.PlaceOrder(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Equal(t, tt.kind, KindOf(err))

			assert.Equal(t, 30, fs.stock(t, 1))
			assert.Empty(t, fs.orders(t))
			assert.Empty(t, fs.stockUpdates)
			assert.Equal(t, 0, a.locks.InFlight())
		})
	}
}

func TestValidationDoesNotTouchStore(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Mouse", Stock: 5})
	fs.getProductErr = errors.New("store must not be called")
	a := NewAllocator(fs, 0)

	_, err := a.PlaceOrder(context.Background(), rawRequest("1", "0"))
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestConcurrentOrdersOnScarceStock(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Keyboard", Stock: 5})
	fs.readDelay = 5 * time.Millisecond
	a := NewAllocator(fs, 0)

	var succeeded, insufficient int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := a.PlaceOrder(context.Background(), NewOrderRequest(1, 3))
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case errors.Is(err, ErrInsufficientStock):
				atomic.AddInt32(&insufficient, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), succeeded)
	assert.Equal(t, int32(1), insufficient)
	assert.Equal(t, 2, fs.stock(t, 1))
	assert.False(t, fs.overlap, "stock was read concurrently for the same product")
}

func TestNoOverAllocation(t *testing.T) {
	const (
		initial  = 100
		quantity = 7
		attempts = 40
	)

	fs := newFakeStore(t, models.Product{Name: "USB Cable", Stock: initial})
	fs.readDelay = 200 * time.Microsecond
	a := NewAllocator(fs, 0)

	var succeeded, insufficient int32
	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		g.Go(func() error {
			_, err := a.PlaceOrder(context.Background(), NewOrderRequest(1, quantity))
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case errors.Is(err, ErrInsufficientStock):
				atomic.AddInt32(&insufficient, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	want := initial / quantity
	assert.Equal(t, int32(want), succeeded)
	assert.Equal(t, int32(attempts-want), insufficient)
	assert.Equal(t, initial-want*quantity, fs.stock(t, 1))
	assert.False(t, fs.overlap)

	// every order matches exactly one deduction
	orders := fs.orders(t)
	require.Len(t, orders, want)
	total := 0
	for _, o := range orders {
		assert.Equal(t, quantity, o.Quantity)
		total += o.Quantity
	}
	assert.Equal(t, initial-total, fs.stock(t, 1))
	assert.Len(t, fs.stockUpdates, want)
	for _, s := range fs.stockUpdates {
		assert.GreaterOrEqual(t, s, 0)
	}
	assert.Equal(t, 0, a.locks.InFlight())
}

func TestConservationAcrossSequentialOrders(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Mouse", Stock: 200})
	a := NewAllocator(fs, 0)
	ctx := context.Background()

	sum := 0
	for _, q := range []int{1, 5, 20, 74, 100} {
		_, err := a.PlaceOrder(ctx, NewOrderRequest(1, q))
		if err == nil {
			sum += q
		} else {
			assert.ErrorIs(t, err, ErrInsufficientStock)
		}
	}

	assert.Equal(t, 200-sum, fs.stock(t, 1))
	assert.Equal(t, 100, sum)
}

func TestDistinctProductsDoNotSerialize(t *testing.T) {
	fs := newFakeStore(t,
		models.Product{Name: "Laptop", Stock: 50},
		models.Product{Name: "Mouse", Stock: 50},
	)
	a := NewAllocator(fs, 0)
	ctx := context.Background()

	// hold product 1's gate; product 2 must still allocate
	release, err := a.locks.Lock(ctx, 1)
	require.NoError(t, err)
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := a.PlaceOrder(ctx, NewOrderRequest(2, 1))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("allocation on product 2 blocked behind product 1")
	}
	assert.Equal(t, 49, fs.stock(t, 2))
	assert.Equal(t, 50, fs.stock(t, 1))
}

func TestGateReleasedOnEveryPath(t *testing.T) {
	tests := []struct {
		name  string
		setup func(fs *fakeStore)
		req   OrderRequest
		kind  ErrorKind
	}{
		{"success", func(fs *fakeStore) {}, NewOrderRequest(1, 1), ""},
		{"insufficient", func(fs *fakeStore) {}, NewOrderRequest(1, 100), KindInsufficientStock},
		{"not found", func(fs *fakeStore) {}, NewOrderRequest(2, 1), KindProductNotFound},
		{"read failure", func(fs *fakeStore) { fs.getProductErr = errors.New("db down") }, NewOrderRequest(1, 1), KindInternal},
		{"update failure", func(fs *fakeStore) { fs.updateStockErr = errors.New("db down") }, NewOrderRequest(1, 1), KindInternal},
		{"order failure", func(fs *fakeStore) { fs.createOrderErr = errors.New("db down") }, NewOrderRequest(1, 1), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore(t, models.Product{Name: "Laptop", Stock: 10})
			tt.setup(fs)
			a := NewAllocator(fs, 0)

			_, err := a.PlaceOrder(context.Background(), tt.req)
			if tt.kind == "" {
				require.NoError(t, err)
			} else {
				assert.Equal(t, tt.kind, KindOf(err))
			}
			assert.Equal(t, 0, a.locks.InFlight())

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			release, err := a.locks.Lock(ctx, productIDOf(t, tt.req))
			require.NoError(t, err)
			release()
		})
	}
}

func TestOrderFailureRestoresStock(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Laptop", Stock: 10})
	fs.createOrderErr = errors.New("insert failed")
	a := NewAllocator(fs, 0)

	_, err := a.PlaceOrder(context.Background(), NewOrderRequest(1, 4))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorContains(t, err, "insert failed")

	assert.Equal(t, 10, fs.stock(t, 1))
	assert.Equal(t, []int{6, 10}, fs.stockUpdates)
	assert.Empty(t, fs.orders(t))
}

// txFakeStore commits stock and order together, like the Postgres store
type txFakeStore struct {
	*fakeStore
	txCalls int
	txErr   error
}

func (f *txFakeStore) DeductAndCreateOrder(ctx context.Context, productID int64, newStock int, order *models.Order) error {
	f.txCalls++
	if f.txErr != nil {
		return f.txErr
	}
	if err := f.MemoryStore.UpdateStock(ctx, productID, newStock); err != nil {
		return err
	}
	return f.MemoryStore.CreateOrder(ctx, order)
}

func TestTransactionalStoreIsPreferred(t *testing.T) {
	fs := &txFakeStore{fakeStore: newFakeStore(t, models.Product{Name: "Laptop", Stock: 10})}
	a := NewAllocator(fs, 0)

	result, err := a.PlaceOrder(context.Background(), NewOrderRequest(1, 4))
	require.NoError(t, err)
	assert.Equal(t, 6, result.Product.NewStock)

	assert.Equal(t, 1, fs.txCalls)
	assert.Empty(t, fs.stockUpdates)
	assert.Equal(t, 6, fs.stock(t, 1))
	assert.Len(t, fs.orders(t), 1)
}

func TestTransactionalStoreFailureLeavesStock(t *testing.T) {
	fs := &txFakeStore{
		fakeStore: newFakeStore(t, models.Product{Name: "Laptop", Stock: 10}),
		txErr:     errors.New("pq: new row violates check constraint"),
	}
	a := NewAllocator(fs, 0)

	_, err := a.PlaceOrder(context.Background(), NewOrderRequest(1, 4))
	assert.ErrorIs(t, err, ErrInternal)

	assert.Empty(t, fs.stockUpdates)
	assert.Equal(t, 10, fs.stock(t, 1))
	assert.Empty(t, fs.orders(t))

	// the gate was released
	fs.txErr = nil
	_, err = a.PlaceOrder(context.Background(), NewOrderRequest(1, 4))
	require.NoError(t, err)
}

func TestCancelledCallerDoesNotTearCriticalSection(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Laptop", Stock: 10})
	fs.readDelay = 20 * time.Millisecond
	a := NewAllocator(fs, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := a.PlaceOrder(ctx, NewOrderRequest(1, 3))
	require.NoError(t, err)
	assert.Equal(t, 7, fs.stock(t, 1))
	assert.Len(t, fs.orders(t), 1)
}

func TestLockWaitTimeout(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Laptop", Stock: 10})
	a := NewAllocator(fs, 20*time.Millisecond)

	release, err := a.locks.Lock(context.Background(), 1)
	require.NoError(t, err)

	_, err = a.PlaceOrder(context.Background(), NewOrderRequest(1, 1))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 10, fs.stock(t, 1))

	release()
	assert.Equal(t, 0, a.locks.InFlight())

	_, err = a.PlaceOrder(context.Background(), NewOrderRequest(1, 1))
	require.NoError(t, err)
}

func TestCancelledWhileWaitingForGate(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Laptop", Stock: 10})
	a := NewAllocator(fs, 0)

	release, err := a.locks.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = a.PlaceOrder(ctx, NewOrderRequest(1, 1))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrLockTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Equal(t, 10, fs.stock(t, 1))
}

func TestCallerDeadlineWhileWaitingIsTimeout(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Laptop", Stock: 10})
	a := NewAllocator(fs, 0)

	release, err := a.locks.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = a.PlaceOrder(ctx, NewOrderRequest(1, 1))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Contains(t, err.Error(), "Timed out")
}

func TestIndependentAllocatorsDoNotShareLocks(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Laptop", Stock: 10})
	a1 := NewAllocator(fs, 0)
	a2 := NewAllocator(fs, 10*time.Millisecond)

	release, err := a1.locks.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer release()

	_, err = a2.PlaceOrder(context.Background(), NewOrderRequest(1, 1))
	require.NoError(t, err)
}

func TestGetOrder(t *testing.T) {
	fs := newFakeStore(t, models.Product{Name: "Laptop", Stock: 10})
	a := NewAllocator(fs, 0)
	ctx := context.Background()

	_, err := a.GetOrder(ctx, 12)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = a.GetOrder(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	fs.getOrderErr = errors.New("db down")
	_, err = a.GetOrder(ctx, 1)
	assert.Equal(t, KindInternal, KindOf(err))
}

func productIDOf(t *testing.T, r OrderRequest) int64 {
	t.Helper()
	id, err := strconv.ParseInt(string(r.ProductID), 10, 64)
	require.NoError(t, err)
	return id
}
