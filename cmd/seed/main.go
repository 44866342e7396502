// Command seed inserts the demo accounts into an empty ledger database.
package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/transfa/ledger-transfer-service/internal/config"
	"github.com/transfa/ledger-transfer-service/internal/store"
	"github.com/transfa/ledger-transfer-service/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=seed msg=\"config load failed\" err=%v", err)
	}
	zl, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("level=fatal component=seed msg=\"logger init failed\" err=%v", err)
	}
	defer zl.Sync()
	zl = zl.With(zap.String("component", "seed"))

	if cfg.DatabaseURL == "" {
		zl.Fatal("database url must be configured", zap.String("env", "DATABASE_URL"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if cfg.AutoMigrate {
		if err := store.RunMigrations(cfg.DatabaseURL, zl); err != nil {
			zl.Fatal("database migration failed", zap.Error(err))
		}
	}

	pool, err := store.OpenPool(ctx, cfg.DatabaseURL, 2, 0)
	if err != nil {
		zl.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	repo := store.NewPostgresRepository(pool, store.LockModeWait, 0)
	created, err := store.SeedAccounts(ctx, repo, store.DemoAccounts(), zl)
	if err != nil {
		zl.Fatal("seeding failed", zap.Error(err))
	}
	zl.Info("seed complete", zap.Int("created", created))
}
