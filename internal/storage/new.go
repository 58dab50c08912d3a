package storage

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/flipbg/service/internal/config"
)

// New builds the backend selected by cfg.StorageBackend. The returned handler
// is non-nil only for the memory backend, which must be mounted at the path of
// STORAGE_PUBLIC_BASE (the API server mounts it at /files).
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Storage, http.Handler, error) {
	if cfg.StorageBackend == "memory" {
		log.Warn().Str("base_url", cfg.StoragePublicBase).Msg("using in-memory object storage; blobs are lost on restart")
		mem := NewMemoryStorage(cfg.StoragePublicBase, cfg.StorageSigningSecret, WithPublicDemo(cfg.StoragePublicDemo))
		return mem, mem, nil
	}

	s, err := NewMinioStorage(ctx, MinioOptions{
		Endpoint:   cfg.StorageEndpoint,
		AccessKey:  cfg.StorageAccessKey,
		SecretKey:  cfg.StorageSecretKey,
		Bucket:     cfg.StorageBucket,
		Region:     cfg.StorageRegion,
		UseSSL:     cfg.StorageUseSSL,
		PublicBase: cfg.StoragePublicBase,
		PublicDemo: cfg.StoragePublicDemo,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return s, nil, nil
}
