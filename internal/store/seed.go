package store

import (
	"context"
	"errors"
	"fmt"

	"allocation-service/internal/models"

	"go.uber.org/zap"
)

// ProductCreator is implemented by both Store and MemoryStore
type ProductCreator interface {
	CreateProduct(ctx context.Context, product *models.Product) error
}

// SampleProducts is the catalog loaded by Seed
var SampleProducts = []models.Product{
	{Name: "Laptop", Stock: 50},
	{Name: "Mouse", Stock: 200},
	{Name: "Keyboard", Stock: 150},
	{Name: "Monitor", Stock: 30},
	{Name: "USB Cable", Stock: 500},
}

// Seed creates the sample products, skipping the ones that already exist.
// It returns the number of products created.
func Seed(ctx context.Context, s ProductCreator, logger *zap.Logger) (int, error) {
	created := 0
	for _, sample := range SampleProducts {
		product := sample
		err := s.CreateProduct(ctx, &product)
		if errors.Is(err, ErrDuplicate) {
			logger.Info("Product already exists", zap.String("name", product.Name))
			continue
		}
		if err != nil {
			return created, fmt.Errorf("failed to seed product %q: %w", product.Name, err)
		}

		created++
		logger.Info("Created product",
			zap.Int64("product_id", product.ID),
			zap.String("name", product.Name),
			zap.Int("stock", product.Stock))
	}
	return created, nil
}
