package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media-publisher/internal/media"
	"media-publisher/internal/models"
	"media-publisher/internal/storage"
	"media-publisher/internal/telemetry"
)

// Transcoder renders image variants from source bytes.
type Transcoder interface {
	Transcode(data []byte) (media.ImageVariants, error)
}

// ObjectStore is the part of the storage client the publisher and sweeper use.
type ObjectStore interface {
	UploadVariants(ctx context.Context, assetGroupID string, thumb, display []byte) (storage.ImageObjects, error)
	UploadVideo(ctx context.Context, assetGroupID string, body []byte, contentType string) (storage.Object, error)
	DeleteAssetGroup(ctx context.Context, assetGroupID string, variants ...models.Variant) error
}

// VariantWriter persists published variant rows.
type VariantWriter interface {
	UpsertVariant(ctx context.Context, p models.VariantParams) (string, error)
}

// PublishInput is one source asset ready to be published.
type PublishInput struct {
	AssetGroupID string
	LotID        *string
	Data         []byte
	ContentType  string
}

// Publisher turns source bytes into uploaded, recorded delivery variants. It is
// shared by the queue worker and the direct-upload endpoint.
type Publisher struct {
	transcoder Transcoder
	objects    ObjectStore
	variants   VariantWriter
}

func NewPublisher(t Transcoder, objects ObjectStore, variants VariantWriter) *Publisher {
	return &Publisher{transcoder: t, objects: objects, variants: variants}
}

// Publish dispatches on MIME type and returns the published URLs keyed by variant.
func (p *Publisher) Publish(ctx context.Context, in PublishInput) (map[string]string, error) {
	kind, err := media.Classify(in.ContentType)
	if err != nil {
		return nil, &PreconditionError{Err: err}
	}
	switch kind {
	case media.KindImage:
		return p.publishImage(ctx, in)
	case media.KindVideo:
		return p.publishVideo(ctx, in)
	}
	return nil, &PreconditionError{Err: media.ErrUnsupportedMediaType}
}

func (p *Publisher) publishImage(ctx context.Context, in PublishInput) (map[string]string, error) {
	start := time.Now()
	variants, err := p.transcoder.Transcode(in.Data)
	if errors.Is(err, media.ErrUnsupportedMediaType) {
		return nil, &PreconditionError{Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("transcode: %w", err)
	}
	observe("transcode", start)

	start = time.Now()
	objs, err := p.objects.UploadVariants(ctx, in.AssetGroupID, variants.Thumb.Data, variants.Display.Data)
	if err != nil {
		return nil, fmt.Errorf("upload variants: %w", err)
	}
	observe("upload", start)

	start = time.Now()
	rows := []struct {
		variant models.Variant
		obj     storage.Object
		enc     media.Encoded
	}{
		{models.VariantThumb, objs.Thumb, variants.Thumb},
		{models.VariantDisplay, objs.Display, variants.Display},
	}
	for _, r := range rows {
		w, h := r.enc.Width, r.enc.Height
		if _, err := p.variants.UpsertVariant(ctx, models.VariantParams{
			AssetGroupID: in.AssetGroupID,
			LotID:        in.LotID,
			Variant:      r.variant,
			StorageKey:   r.obj.Key,
			URL:          r.obj.URL,
			MimeType:     media.WebPContentType,
			Width:        &w,
			Height:       &h,
			SizeBytes:    int64(len(r.enc.Data)),
		}); err != nil {
			return nil, fmt.Errorf("persist %s variant: %w", r.variant, err)
		}
	}
	observe("persist", start)

	return map[string]string{
		string(models.VariantThumb):   objs.Thumb.URL,
		string(models.VariantDisplay): objs.Display.URL,
	}, nil
}

func (p *Publisher) publishVideo(ctx context.Context, in PublishInput) (map[string]string, error) {
	start := time.Now()
	obj, err := p.objects.UploadVideo(ctx, in.AssetGroupID, in.Data, in.ContentType)
	if errors.Is(err, media.ErrUnsupportedMediaType) {
		return nil, &PreconditionError{Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("upload video: %w", err)
	}
	observe("upload", start)

	if _, err := p.variants.UpsertVariant(ctx, models.VariantParams{
		AssetGroupID: in.AssetGroupID,
		LotID:        in.LotID,
		Variant:      models.VariantVideo,
		StorageKey:   obj.Key,
		URL:          obj.URL,
		MimeType:     media.NormalizeMIME(in.ContentType),
		SizeBytes:    int64(len(in.Data)),
	}); err != nil {
		return nil, fmt.Errorf("persist video variant: %w", err)
	}
	return map[string]string{string(models.VariantVideo): obj.URL}, nil
}

func observe(stage string, start time.Time) {
	telemetry.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
