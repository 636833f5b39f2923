package greenroots

import (
	"fmt"

	"github.com/minus-twelve/greenroots/storage"
	"github.com/minus-twelve/greenroots/types"
)

func CreateStore(cfg types.Config) (Store, error) {
	switch cfg.StoreType {
	case "memory":
		// The session records and the offline page must survive eviction.
		return storage.NewMemoryStore(cfg.Memory.MaxEntries, SessionKey, UserDataKey, cfg.Worker.OfflinePage), nil
	case "redis":
		return storage.NewRedisStore(cfg.Redis)
	case "database":
		return storage.NewDatabaseStore(cfg.Database)
	default:
		return nil, fmt.Errorf("invalid store type %q", cfg.StoreType)
	}
}
