package models

import "time"

// Variant names one rendition of an uploaded asset.
type Variant string

const (
	VariantSource  Variant = "source"
	VariantThumb   Variant = "thumb"
	VariantDisplay Variant = "display"
	VariantVideo   Variant = "video"
)

// Published status values of an auction file row.
const (
	FilePending    = "pending"
	FileProcessing = "processing"
	FilePublished  = "published"
	FileFailed     = "failed"
	FileDeleted    = "deleted"
)

// AuctionFile is one row per media variant. Rows sharing AssetGroupID belong to
// the same logical upload.
type AuctionFile struct {
	ID              string     `json:"id"`
	LotID           *string    `json:"lot_id,omitempty"`
	AssetGroupID    string     `json:"asset_group_id"`
	Variant         Variant    `json:"variant"`
	SourceKey       *string    `json:"source_key,omitempty"`
	StorageKey      *string    `json:"storage_key,omitempty"`
	CDNURL          *string    `json:"cdn_url,omitempty"`
	MimeType        *string    `json:"mime_type,omitempty"`
	Width           *int       `json:"width,omitempty"`
	Height          *int       `json:"height,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	SizeBytes       *int64     `json:"size_bytes,omitempty"`
	PublishedStatus string     `json:"published_status"`
	DetachedAt      *time.Time `json:"detached_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// VariantParams carries the values written by an upsert of a derived variant.
type VariantParams struct {
	AssetGroupID string
	LotID        *string
	Variant      Variant
	StorageKey   string
	URL          string
	MimeType     string
	Width        *int
	Height       *int
	SizeBytes    int64
}
