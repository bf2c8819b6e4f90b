package main

import (
	"context"
	"log"
	"time"

	"allocation-service/config"
	"allocation-service/internal/store"
	"allocation-service/internal/util"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, "allocation-seed"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	created, err := store.Seed(ctx, db, logger)
	if err != nil {
		logger.Fatal("Failed to seed products", zap.Error(err))
	}

	logger.Info("Database seeded", zap.Int("created", created), zap.Int("catalog", len(store.SampleProducts)))
}
