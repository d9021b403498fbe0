package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOptions configures the minio-go backend.
type MinioOptions struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// MinioBackend is the alternative driver for self-hosted MinIO deployments.
type MinioBackend struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioBackend creates a client. Endpoint may be a bare host:port or a URL;
// a URL scheme overrides UseSSL.
func NewMinioBackend(opts MinioOptions) (*MinioBackend, error) {
	host, secure := opts.Endpoint, opts.UseSSL
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("parse minio endpoint: %w", err)
		}
		host, secure = u.Host, u.Scheme == "https"
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioBackend{client: client, bucket: opts.Bucket, region: opts.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (b *MinioBackend) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", b.bucket, err)
	}
	return nil
}

func (b *MinioBackend) Put(ctx context.Context, key string, body []byte, contentType, cacheControl string) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: cacheControl,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (b *MinioBackend) Delete(ctx context.Context, keys []string) error {
	objects := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objects <- minio.ObjectInfo{Key: k}
	}
	close(objects)

	var failed []string
	for rerr := range b.client.RemoveObjects(ctx, b.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", rerr.ObjectName, rerr.Err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("remove objects: %s", strings.Join(failed, "; "))
	}
	return nil
}
