package storage

import (
	"fmt"

	"media-publisher/internal/media"
	"media-publisher/internal/models"
)

const keyPrefix = "assets"

// ImageKey is the storage key of a webp image variant.
func ImageKey(assetGroupID string, variant models.Variant) string {
	return fmt.Sprintf("%s/%s/%s.webp", keyPrefix, assetGroupID, variant)
}

// VideoKey is the storage key of the passthrough video for contentType.
func VideoKey(assetGroupID, contentType string) (string, error) {
	ext, err := media.VideoExtension(contentType)
	if err != nil {
		return "", err
	}
	return videoKey(assetGroupID, ext), nil
}

func videoKey(assetGroupID, ext string) string {
	return fmt.Sprintf("%s/%s/video%s", keyPrefix, assetGroupID, ext)
}

// GroupKeys lists every key the variants of a group may be stored under.
func GroupKeys(assetGroupID string, variants ...models.Variant) []string {
	if len(variants) == 0 {
		variants = []models.Variant{models.VariantThumb, models.VariantDisplay, models.VariantVideo}
	}
	seen := make(map[models.Variant]bool, len(variants))
	var keys []string
	for _, v := range variants {
		if seen[v] {
			continue
		}
		seen[v] = true
		switch v {
		case models.VariantThumb, models.VariantDisplay:
			keys = append(keys, ImageKey(assetGroupID, v))
		case models.VariantVideo:
			for _, ext := range media.VideoExtensions() {
				keys = append(keys, videoKey(assetGroupID, ext))
			}
		}
	}
	return keys
}
