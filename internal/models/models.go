package models

import "time"

// Product represents a stocked product in the catalog
type Product struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Stock     int       `db:"stock" json:"stock"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// HasStock reports whether quantity units can be taken from the product
func (p *Product) HasStock(quantity int) bool {
	return p.Stock >= quantity
}

// Order represents an accepted allocation against a single product
type Order struct {
	ID        int64     `db:"id" json:"id"`
	ProductID int64     `db:"product_id" json:"productId"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Order statuses
const (
	OrderStatusCompleted = "completed"
)
