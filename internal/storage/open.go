package storage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scriptboard/canvas/internal/config"
)

// Open builds the Store selected by storage.driver
func Open(cfg config.StorageConfig, redisClient *redis.Client, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "badger":
		return OpenBadger(BadgerConfig{
			Path:       cfg.Path,
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
			Logger:     logger,
		})
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("storage driver redis requires a redis client")
		}
		return NewRedis(redisClient, "canvas:"), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
