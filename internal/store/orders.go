package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"allocation-service/internal/models"
)

// CreateOrder inserts an order and fills in its ID and creation time
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (product_id, quantity, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query, order.ProductID, order.Quantity, order.Status).
		Scan(&order.ID, &order.CreatedAt)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT id, product_id, quantity, status, created_at FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves all orders, newest first
func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT id, product_id, quantity, status, created_at FROM orders ORDER BY id DESC")
	return orders, err
}

// ListOrdersByProduct retrieves the orders of one product, newest first
func (s *Store) ListOrdersByProduct(ctx context.Context, productID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT id, product_id, quantity, status, created_at FROM orders WHERE product_id = $1 ORDER BY id DESC",
		productID)
	return orders, err
}

// LatestOrderID returns the highest order ID, or 0 when there are no orders
func (s *Store) LatestOrderID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, "SELECT COALESCE(MAX(id), 0) FROM orders")
	return id, err
}

// DeductAndCreateOrder sets the product stock and inserts the order in one transaction,
// so a deduction is never committed without its order
func (s *Store) DeductAndCreateOrder(ctx context.Context, productID int64, newStock int, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE products SET stock = $1 WHERE id = $2",
		newStock, productID)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}

	query := `
		INSERT INTO orders (product_id, quantity, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	if err := tx.QueryRowxContext(ctx, query, productID, order.Quantity, order.Status).
		Scan(&order.ID, &order.CreatedAt); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
