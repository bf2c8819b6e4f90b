package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"allocation-service/internal/models"
	"allocation-service/internal/redisclient"
	"allocation-service/internal/store"
	"allocation-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Store is the full storage surface used by the order service
type Store interface {
	StockStore
	ListProducts(ctx context.Context) ([]models.Product, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	ListOrdersByProduct(ctx context.Context, productID int64) ([]models.Order, error)
	LatestOrderID(ctx context.Context) (int64, error)
}

// IdempotencyStore remembers the outcome of keyed order requests.
// GetIdempotencyResult returns redisclient.ErrInProgress for a claimed key
// without a result and redisclient.ErrKeyNotFound for an unknown key.
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	CompleteIdempotencyKey(ctx context.Context, key string, result []byte, ttl time.Duration) error
	GetIdempotencyResult(ctx context.Context, key string) ([]byte, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// EventPublisher publishes order domain events
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
}

// OrderService handles order business logic around the allocator
type OrderService struct {
	allocator      *Allocator
	store          Store
	idempotency    IdempotencyStore
	publisher      EventPublisher
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// NewOrderService creates a new order service. idempotency and publisher may be nil.
func NewOrderService(
	allocator *Allocator,
	store Store,
	idempotency IdempotencyStore,
	publisher EventPublisher,
	idempotencyTTL time.Duration,
) *OrderService {
	return &OrderService{
		allocator:      allocator,
		store:          store,
		idempotency:    idempotency,
		publisher:      publisher,
		idempotencyTTL: idempotencyTTL,
		logger:         util.GetLogger(),
	}
}

// PlaceOrder allocates stock for req. Requests carrying an idempotency key that
// already succeeded are answered with the original result.
func (s *OrderService) PlaceOrder(ctx context.Context, req OrderRequest, idempotencyKey string) (*Allocation, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer span.End()

	if idempotencyKey == "" || s.idempotency == nil {
		return s.place(ctx, req)
	}
	span.SetAttributes(attribute.String("idempotency.key", idempotencyKey))

	claimed, err := s.idempotency.ClaimIdempotencyKey(ctx, idempotencyKey, s.idempotencyTTL)
	if err != nil {
		s.logger.Warn("Idempotency check unavailable, placing order without it",
			zap.String("idempotency_key", idempotencyKey),
			zap.Error(err))
		return s.place(ctx, req)
	}
	if !claimed {
		return s.replay(ctx, idempotencyKey)
	}

	allocation, err := s.place(ctx, req)
	if err != nil {
		if relErr := s.idempotency.ReleaseIdempotencyKey(context.WithoutCancel(ctx), idempotencyKey); relErr != nil {
			s.logger.Warn("Failed to release idempotency key",
				zap.String("idempotency_key", idempotencyKey),
				zap.Error(relErr))
		}
		return nil, err
	}

	payload, err := json.Marshal(allocation)
	if err == nil {
		err = s.idempotency.CompleteIdempotencyKey(context.WithoutCancel(ctx), idempotencyKey, payload, s.idempotencyTTL)
	}
	if err != nil {
		s.logger.Warn("Failed to store idempotent result",
			zap.String("idempotency_key", idempotencyKey),
			zap.Error(err))
	}

	return allocation, nil
}

func (s *OrderService) place(ctx context.Context, req OrderRequest) (*Allocation, error) {
	allocation, err := s.allocator.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	s.publishOrderPlaced(context.WithoutCancel(ctx), allocation)
	return allocation, nil
}

func (s *OrderService) replay(ctx context.Context, idempotencyKey string) (*Allocation, error) {
	payload, err := s.idempotency.GetIdempotencyResult(ctx, idempotencyKey)
	if errors.Is(err, redisclient.ErrInProgress) || errors.Is(err, redisclient.ErrKeyNotFound) {
		return nil, newError(KindRequestInProgress, "A request with this idempotency key is still being processed")
	}
	if err != nil {
		return nil, internalError("failed to read idempotent result", err)
	}

	var allocation Allocation
	if err := json.Unmarshal(payload, &allocation); err != nil {
		return nil, internalError("failed to decode idempotent result", err)
	}

	util.IdempotentReplaysTotal.Inc()
	s.logger.Info("Duplicate order request answered from cache",
		zap.String("idempotency_key", idempotencyKey),
		zap.Int64("order_id", allocation.Order.ID))

	return &allocation, nil
}

// publishOrderPlaced is best effort; the order is already committed
func (s *OrderService) publishOrderPlaced(ctx context.Context, allocation *Allocation) {
	if s.publisher == nil {
		return
	}

	event := &models.OrderPlacedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPlaced,
			Timestamp: time.Now(),
		},
		OrderID:       allocation.Order.ID,
		ProductID:     allocation.Order.ProductID,
		Quantity:      allocation.Order.Quantity,
		PreviousStock: allocation.Product.PreviousStock,
		NewStock:      allocation.Product.NewStock,
	}

	if err := s.publisher.PublishOrderPlaced(ctx, event); err != nil {
		util.EventsPublishFailedTotal.WithLabelValues(models.EventTypeOrderPlaced).Inc()
		s.logger.Error("Failed to publish OrderPlaced event",
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
	}
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.allocator.GetOrder(ctx, orderID)
}

// ListOrders returns all orders, newest first
func (s *OrderService) ListOrders(ctx context.Context) ([]models.Order, error) {
	orders, err := s.store.ListOrders(ctx)
	if err != nil {
		return nil, internalError("failed to list orders", err)
	}
	return orders, nil
}

// ListProductOrders returns the orders placed against one product, newest first
func (s *OrderService) ListProductOrders(ctx context.Context, productID int64) ([]models.Order, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}

	orders, err := s.store.ListOrdersByProduct(ctx, productID)
	if err != nil {
		return nil, internalError("failed to list product orders", err)
	}
	return orders, nil
}

// ListProducts returns the product catalog
func (s *OrderService) ListProducts(ctx context.Context) ([]models.Product, error) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, internalError("failed to list products", err)
	}
	return products, nil
}

// GetProduct retrieves a product by ID
func (s *OrderService) GetProduct(ctx context.Context, productID int64) (*models.Product, error) {
	if productID <= 0 {
		return nil, newError(KindInvalidProductID, "Invalid product ID")
	}

	product, err := s.store.GetProductByID(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindProductNotFound, "Product with ID %d does not exist", productID)
	}
	if err != nil {
		return nil, internalError("failed to read product", err)
	}
	return product, nil
}
