package storage

import (
	"context"
	"fmt"

	"media-publisher/internal/config"
)

// NewBackend builds the backend selected by OBJECT_STORE_DRIVER.
func NewBackend(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.ObjectStoreDriver {
	case config.DriverMinio:
		return NewMinioBackend(MinioOptions{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UseSSL:          cfg.S3UseSSL,
		})
	case config.DriverS3, "":
		return NewS3Backend(ctx, S3Options{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PathStyle:       cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown object store driver %q", cfg.ObjectStoreDriver)
	}
}
