package storage

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"media-publisher/internal/media"
	"media-publisher/internal/models"
)

// CacheControl is set on every published object. Keys are content-addressed by
// asset group and variant, so objects never change in place.
const CacheControl = "public, max-age=31536000, immutable"

// Backend is the minimal object store surface the client needs.
type Backend interface {
	Put(ctx context.Context, key string, body []byte, contentType, cacheControl string) error
	// Delete removes keys in one batch. Absent keys are not an error.
	Delete(ctx context.Context, keys []string) error
}

// Object is an uploaded key and its public URL.
type Object struct {
	Key string
	URL string
}

// ImageObjects are the uploaded thumb and display variants of one asset group.
type ImageObjects struct {
	Thumb   Object
	Display Object
}

// Client publishes variants to a CDN-fronted bucket. It holds no per-call state
// and is safe for concurrent use.
type Client struct {
	backend Backend
	cdnBase string
}

// NewClient wraps a backend; URLs are built as {cdnBase}/{key}.
func NewClient(backend Backend, cdnBase string) *Client {
	return &Client{backend: backend, cdnBase: strings.TrimRight(cdnBase, "/")}
}

// URL returns the public CDN URL of key.
func (c *Client) URL(key string) string {
	return c.cdnBase + "/" + strings.TrimLeft(key, "/")
}

// UploadFile stores body under key and returns its CDN URL.
func (c *Client) UploadFile(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if err := c.backend.Put(ctx, key, body, contentType, CacheControl); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return c.URL(key), nil
}

// UploadVariants uploads both image variants of a group in parallel.
func (c *Client) UploadVariants(ctx context.Context, assetGroupID string, thumb, display []byte) (ImageObjects, error) {
	out := ImageObjects{
		Thumb:   Object{Key: ImageKey(assetGroupID, models.VariantThumb)},
		Display: Object{Key: ImageKey(assetGroupID, models.VariantDisplay)},
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		url, err := c.UploadFile(gctx, out.Thumb.Key, thumb, media.WebPContentType)
		out.Thumb.URL = url
		return err
	})
	g.Go(func() error {
		url, err := c.UploadFile(gctx, out.Display.Key, display, media.WebPContentType)
		out.Display.URL = url
		return err
	})
	if err := g.Wait(); err != nil {
		return ImageObjects{}, err
	}
	return out, nil
}

// UploadVideo stores the source video unchanged under a key derived from its MIME type.
func (c *Client) UploadVideo(ctx context.Context, assetGroupID string, body []byte, contentType string) (Object, error) {
	key, err := VideoKey(assetGroupID, contentType)
	if err != nil {
		return Object{}, err
	}
	url, err := c.UploadFile(ctx, key, body, media.NormalizeMIME(contentType))
	if err != nil {
		return Object{}, err
	}
	return Object{Key: key, URL: url}, nil
}

// DeleteFile removes one object.
func (c *Client) DeleteFile(ctx context.Context, key string) error {
	if err := c.backend.Delete(ctx, []string{key}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeleteAssetGroup removes every key the given variants may occupy. With no
// variants it removes all of them. The video extension actually used is not
// recorded, so every candidate extension is deleted.
func (c *Client) DeleteAssetGroup(ctx context.Context, assetGroupID string, variants ...models.Variant) error {
	keys := GroupKeys(assetGroupID, variants...)
	if len(keys) == 0 {
		return nil
	}
	if err := c.backend.Delete(ctx, keys); err != nil {
		return fmt.Errorf("delete asset group %s: %w", assetGroupID, err)
	}
	return nil
}
