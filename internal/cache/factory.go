package cache

import (
	"context"
	"fmt"

	"github.com/OSM-es/CatAtomApi/internal/config"
	"github.com/OSM-es/CatAtomApi/internal/storage"
)

// NewProvider builds the provider selected by cache.provider. The s3
// provider makes sure its bucket exists.
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.Cache.Provider {
	case "", "local":
		return NewLocalProvider(cfg.Work.CacheDir), nil
	case "s3":
		store, err := storage.NewS3Storage(ctx, &storage.S3Config{
			Type:      storage.StorageType(cfg.Storage.Type),
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("create object storage: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure cache bucket: %w", err)
		}
		return NewObjectProvider(store, cfg.Cache.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported cache provider %q", cfg.Cache.Provider)
	}
}

// NewSplitSource asks the cache first and the split service, when one is
// configured, after it.
func NewSplitSource(p Provider, cfg *config.CacheConfig) SplitSource {
	if cfg.SplitServiceURL == "" {
		return p
	}
	return &CachedSplits{Cache: p, Remote: NewSplitClient(cfg.SplitServiceURL, cfg.Timeout)}
}
