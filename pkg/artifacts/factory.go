package artifacts

import (
	"context"
	"fmt"
)

// Backend names a storage backend.
type Backend string

const (
	BackendFS     Backend = "fs"
	BackendMemory Backend = "memory"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend `yaml:"backend"`
	Dir     string  `yaml:"dir"`
	S3      S3Config
	GCS     GCSConfig
}

// New opens the configured store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/artifacts"
		}
		return NewFileStore(dir)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Backend)
	}
}
