package worker

import (
	"context"

	"allocation-service/internal/broker"
	"allocation-service/internal/service"
	"allocation-service/internal/util"

	"go.uber.org/zap"
)

// StockProjectionWorker keeps the stock read model up to date from order events
type StockProjectionWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	projector    *service.StockProjector
	logger       *zap.Logger
}

// NewStockProjectionWorker creates a new stock projection worker
func NewStockProjectionWorker(
	consumer *broker.Consumer,
	projector *service.StockProjector,
) *StockProjectionWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderPlaced(projector.HandleOrderPlaced)

	return &StockProjectionWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		projector:    projector,
		logger:       util.GetLogger(),
	}
}

// Start rebuilds the read model, then consumes events until ctx is cancelled
func (w *StockProjectionWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting stock projection worker")

	if err := w.projector.SyncAll(ctx); err != nil {
		w.logger.Error("Failed to sync stock to Redis", zap.Error(err))
	}

	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *StockProjectionWorker) Stop() error {
	w.logger.Info("Stopping stock projection worker")
	return w.consumer.Close()
}
