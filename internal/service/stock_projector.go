package service

import (
	"context"
	"errors"
	"fmt"

	"allocation-service/internal/models"
	"allocation-service/internal/redisclient"
	"allocation-service/internal/store"
	"allocation-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Stock level sources
const (
	StockSourceCache = "cache"
	StockSourceStore = "store"
)

// StockCache is the read model of product stock.
// GetStock returns redisclient.ErrKeyNotFound for products never projected.
type StockCache interface {
	InitStock(ctx context.Context, productID int64, stock int, watermark int64) error
	ProjectStock(ctx context.Context, productID int64, stock int, orderID int64) (bool, error)
	GetStock(ctx context.Context, productID int64) (int, error)
}

// ProductReader is the storage the projector rebuilds the read model from
type ProductReader interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	LatestOrderID(ctx context.Context) (int64, error)
}

// StockLevel is the current stock of a product
type StockLevel struct {
	ProductID int64  `json:"productId"`
	Stock     int    `json:"stock"`
	Source    string `json:"source"`
}

// StockProjector keeps the stock read model in step with ORDER_PLACED events
type StockProjector struct {
	store  ProductReader
	cache  StockCache
	logger *zap.Logger
}

// NewStockProjector creates a projector. A nil cache serves every read from the store.
func NewStockProjector(store ProductReader, cache StockCache) *StockProjector {
	return &StockProjector{
		store:  store,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// SyncAll rebuilds the read model from the store
func (p *StockProjector) SyncAll(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}

	p.logger.Info("Starting stock sync to Redis")

	// watermark is read before the products so a concurrent order is replayed, not skipped
	watermark, err := p.store.LatestOrderID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read latest order id: %w", err)
	}

	products, err := p.store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get products: %w", err)
	}

	synced := 0
	for _, product := range products {
		if err := p.cache.InitStock(ctx, product.ID, product.Stock, watermark); err != nil {
			p.logger.Error("Failed to init Redis stock",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
			continue
		}
		synced++
	}

	p.logger.Info("Stock sync completed",
		zap.Int("count", synced),
		zap.Int64("watermark", watermark))
	return nil
}

// HandleOrderPlaced applies the stock left by an order. Redelivered and out of order events are ignored.
func (p *StockProjector) HandleOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	if p.cache == nil {
		return nil
	}

	ctx, span := util.StartSpan(ctx, "StockProjector.HandleOrderPlaced")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("order.id", event.OrderID),
		attribute.Int64("product.id", event.ProductID),
	)

	applied, err := p.cache.ProjectStock(ctx, event.ProductID, event.NewStock, event.OrderID)
	if err != nil {
		util.StockProjectionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to project stock for order %d: %w", event.OrderID, err)
	}

	if !applied {
		util.StockProjectionsTotal.WithLabelValues("stale").Inc()
		p.logger.Debug("Stale stock event ignored",
			zap.Int64("order_id", event.OrderID),
			zap.Int64("product_id", event.ProductID))
		return nil
	}

	util.StockProjectionsTotal.WithLabelValues("applied").Inc()
	return nil
}

// GetStock returns the stock of a product from the read model, falling back to the store
func (p *StockProjector) GetStock(ctx context.Context, productID int64) (*StockLevel, error) {
	if productID <= 0 {
		return nil, newError(KindInvalidProductID, "Invalid product ID")
	}

	if p.cache != nil {
		stock, err := p.cache.GetStock(ctx, productID)
		if err == nil {
			return &StockLevel{ProductID: productID, Stock: stock, Source: StockSourceCache}, nil
		}
		if !errors.Is(err, redisclient.ErrKeyNotFound) {
			p.logger.Warn("Redis stock read failed, falling back to store",
				zap.Int64("product_id", productID),
				zap.Error(err))
		}
	}

	product, err := p.store.GetProductByID(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindProductNotFound, "Product with ID %d does not exist", productID)
	}
	if err != nil {
		return nil, internalError("failed to read product", err)
	}

	return &StockLevel{ProductID: productID, Stock: product.Stock, Source: StockSourceStore}, nil
}
