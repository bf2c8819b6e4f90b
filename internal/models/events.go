package models

import "time"

// Event types
const (
	EventTypeOrderPlaced = "ORDER_PLACED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published after stock was deducted and the order recorded
type OrderPlacedEvent struct {
	BaseEvent
	OrderID       int64 `json:"order_id"`
	ProductID     int64 `json:"product_id"`
	Quantity      int   `json:"quantity"`
	PreviousStock int   `json:"previous_stock"`
	NewStock      int   `json:"new_stock"`
}
