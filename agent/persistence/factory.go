package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/internal/database"
)

// NewStore creates a Store based on the configuration.
// pool is required for StoreTypeDatabase and ignored otherwise.
func NewStore(config StoreConfig, pool *database.PoolManager, logger *zap.Logger) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		return NewRedisStore(config)
	case StoreTypeDatabase:
		if pool == nil {
			return nil, fmt.Errorf("database store requires a connection pool")
		}
		return NewGormStore(pool, logger), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
