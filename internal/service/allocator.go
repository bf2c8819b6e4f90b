package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"allocation-service/internal/locktable"
	"allocation-service/internal/models"
	"allocation-service/internal/store"
	"allocation-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StockStore is the storage the allocator reads and writes.
// Lookups of missing records must wrap store.ErrNotFound.
type StockStore interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	UpdateStock(ctx context.Context, productID int64, stock int) error
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
}

// TxStockStore is implemented by stores that can deduct stock and record the
// order in one transaction. The allocator prefers it over UpdateStock + CreateOrder.
type TxStockStore interface {
	DeductAndCreateOrder(ctx context.Context, productID int64, newStock int, order *models.Order) error
}

// Allocation is the result of a successful PlaceOrder
type Allocation struct {
	Success bool           `json:"success"`
	Order   AllocatedOrder `json:"order"`
	Product StockChange    `json:"product"`
}

// AllocatedOrder describes the order recorded for an allocation
type AllocatedOrder struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"productId"`
	Quantity  int    `json:"quantity"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// StockChange describes the stock deduction of an allocation
type StockChange struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	PreviousStock int    `json:"previousStock"`
	NewStock      int    `json:"newStock"`
}

// Allocator places orders against product stock. Allocations on the same
// product run one at a time; allocations on different products run concurrently.
type Allocator struct {
	store           StockStore
	locks           *locktable.Table
	lockWaitTimeout time.Duration
	logger          *zap.Logger
}

// NewAllocator creates an allocator with its own lock table.
// A zero lockWaitTimeout waits for a product gate indefinitely.
func NewAllocator(store StockStore, lockWaitTimeout time.Duration) *Allocator {
	return &Allocator{
		store:           store,
		locks:           locktable.New(),
		lockWaitTimeout: lockWaitTimeout,
		logger:          util.GetLogger(),
	}
}

// PlaceOrder validates req, then deducts stock and records a completed order
func (a *Allocator) PlaceOrder(ctx context.Context, req OrderRequest) (*Allocation, error) {
	ctx, span := util.StartSpan(ctx, "Allocator.PlaceOrder")
	defer span.End()

	start := time.Now()

	productID, quantity, err := req.Validate()
	if err != nil {
		a.observe(span, start, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("product.id", productID),
		attribute.Int("order.quantity", quantity),
	)

	allocation, err := a.allocate(ctx, productID, quantity)
	a.observe(span, start, err)
	return allocation, err
}

func (a *Allocator) allocate(ctx context.Context, productID int64, quantity int) (*Allocation, error) {
	release, err := a.acquire(ctx, productID)
	if err != nil {
		return nil, err
	}
	defer release()

	// the critical section is not cancellable once the gate is held
	ctx = context.WithoutCancel(ctx)

	product, err := a.store.GetProductByID(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindProductNotFound, "Product with ID %d does not exist", productID)
	}
	if err != nil {
		return nil, internalError("failed to read product", err)
	}

	if !product.HasStock(quantity) {
		return nil, newError(KindInsufficientStock,
			"Insufficient stock. Available: %d, Requested: %d", product.Stock, quantity)
	}

	newStock := product.Stock - quantity
	order := &models.Order{
		ProductID: productID,
		Quantity:  quantity,
		Status:    models.OrderStatusCompleted,
	}
	if err := a.commit(ctx, product, newStock, order); err != nil {
		return nil, err
	}

	a.logger.Info("Order placed",
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Int("previous_stock", product.Stock),
		zap.Int("new_stock", newStock))

	return &Allocation{
		Success: true,
		Order: AllocatedOrder{
			ID:        order.ID,
			ProductID: order.ProductID,
			Quantity:  order.Quantity,
			Status:    order.Status,
			Message:   "Order placed successfully",
		},
		Product: StockChange{
			ID:            product.ID,
			Name:          product.Name,
			PreviousStock: product.Stock,
			NewStock:      newStock,
		},
	}, nil
}

// acquire takes the product gate, bounded by lockWaitTimeout when set
func (a *Allocator) acquire(ctx context.Context, productID int64) (func(), error) {
	if a.lockWaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.lockWaitTimeout)
		defer cancel()
	}

	start := time.Now()
	release, err := a.locks.Lock(ctx, productID)
	util.AllocationLockWait.Observe(time.Since(start).Seconds())
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, &AllocationError{
			Kind:    KindLockTimeout,
			Message: fmt.Sprintf("Timed out waiting for product %d", productID),
			Err:     err,
		}
	}
	if err != nil {
		return nil, &AllocationError{
			Kind:    KindCancelled,
			Message: fmt.Sprintf("Request cancelled while waiting for product %d", productID),
			Err:     err,
		}
	}
	util.AllocationGatesInFlight.Set(float64(a.locks.InFlight()))

	return func() {
		release()
		util.AllocationGatesInFlight.Set(float64(a.locks.InFlight()))
	}, nil
}

// commit deducts stock and records order. Must run under the product gate.
func (a *Allocator) commit(ctx context.Context, product *models.Product, newStock int, order *models.Order) error {
	if tx, ok := a.store.(TxStockStore); ok {
		if err := tx.DeductAndCreateOrder(ctx, product.ID, newStock, order); err != nil {
			return internalError("failed to record order", err)
		}
		return nil
	}

	if err := a.store.UpdateStock(ctx, product.ID, newStock); err != nil {
		return internalError("failed to deduct stock", err)
	}
	if err := a.store.CreateOrder(ctx, order); err != nil {
		a.restoreStock(ctx, product)
		return internalError("failed to record order", err)
	}
	return nil
}

// restoreStock undoes a deduction whose order could not be recorded. Must run under the product gate.
func (a *Allocator) restoreStock(ctx context.Context, product *models.Product) {
	if err := a.store.UpdateStock(ctx, product.ID, product.Stock); err != nil {
		a.logger.Error("Failed to restore stock after order failure",
			zap.Int64("product_id", product.ID),
			zap.Int("stock", product.Stock),
			zap.Error(err))
		return
	}
	a.logger.Warn("Stock restored after order failure",
		zap.Int64("product_id", product.ID),
		zap.Int("stock", product.Stock))
}

// GetOrder retrieves an order by ID
func (a *Allocator) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Allocator.GetOrder")
	defer span.End()

	if orderID <= 0 {
		return nil, newError(KindInvalidInput, "Invalid order ID")
	}

	order, err := a.store.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindOrderNotFound, "Order with ID %d does not exist", orderID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order lookup failed")
		return nil, internalError("failed to read order", err)
	}
	return order, nil
}

func (a *Allocator) observe(span trace.Span, start time.Time, err error) {
	util.AllocationDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		util.AllocationsTotal.WithLabelValues("success").Inc()
		span.SetStatus(codes.Ok, "allocated")
		return
	}

	kind := KindOf(err)
	util.AllocationsTotal.WithLabelValues(string(kind)).Inc()
	span.SetAttributes(attribute.String("allocation.failure", string(kind)))

	if kind == KindInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocation failed")
		a.logger.Error("Allocation failed", zap.Error(err))
		return
	}
	a.logger.Info("Allocation rejected",
		zap.String("kind", string(kind)),
		zap.Error(err))
}
