package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"allocation-service/internal/models"
)

// MemoryStore is an in-process stock store with the same semantics as Store.
// Values are copied in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	products    map[int64]models.Product
	orders      map[int64]models.Order
	nextProduct int64
	nextOrder   int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[int64]models.Product),
		orders:   make(map[int64]models.Order),
	}
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// GetProductByID retrieves a product by ID
func (m *MemoryStore) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	product, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return &product, nil
}

// ListProducts retrieves all products ordered by ID
func (m *MemoryStore) ListProducts(ctx context.Context) ([]models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	products := make([]models.Product, 0, len(m.products))
	for _, p := range m.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// CreateProduct inserts a product and fills in its ID and creation time
func (m *MemoryStore) CreateProduct(ctx context.Context, product *models.Product) error {
	if product.Stock < 0 {
		return fmt.Errorf("product %q: negative stock %d", product.Name, product.Stock)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.products {
		if p.Name == product.Name {
			return fmt.Errorf("product %q: %w", product.Name, ErrDuplicate)
		}
	}

	m.nextProduct++
	product.ID = m.nextProduct
	product.CreatedAt = time.Now()
	m.products[product.ID] = *product
	return nil
}

// UpdateStock sets the stock of a product
func (m *MemoryStore) UpdateStock(ctx context.Context, productID int64, stock int) error {
	if stock < 0 {
		return fmt.Errorf("failed to update stock: negative stock %d for product %d", stock, productID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	product, ok := m.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	product.Stock = stock
	m.products[productID] = product
	return nil
}

// CreateOrder inserts an order and fills in its ID and creation time
func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[order.ProductID]; !ok {
		return fmt.Errorf("order references product %d: %w", order.ProductID, ErrNotFound)
	}

	m.nextOrder++
	order.ID = m.nextOrder
	order.CreatedAt = time.Now()
	m.orders[order.ID] = *order
	return nil
}

// GetOrderByID retrieves an order by ID
func (m *MemoryStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return &order, nil
}

// ListOrders retrieves all orders, newest first
func (m *MemoryStore) ListOrders(ctx context.Context) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := make([]models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

// ListOrdersByProduct retrieves the orders of one product, newest first
func (m *MemoryStore) ListOrdersByProduct(ctx context.Context, productID int64) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := []models.Order{}
	for _, o := range m.orders {
		if o.ProductID == productID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

// LatestOrderID returns the highest order ID, or 0 when there are no orders
func (m *MemoryStore) LatestOrderID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextOrder, nil
}
