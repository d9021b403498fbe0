package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"media-publisher/internal/models"
)

const fileColumns = `id, lot_id, asset_group_id, variant, source_key, storage_key, cdn_url, mime_type,
	width, height, duration_seconds, size_bytes, published_status, detached_at, created_at, updated_at`

// GetFileByID returns the file row; the boolean is false when it does not exist.
func (s *Store) GetFileByID(ctx context.Context, id string) (models.AuctionFile, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM auction_files WHERE id = $1`, id)
	file, err := scanFile(row)
	if errors.Is(err, ErrNotFound) {
		return models.AuctionFile{}, false, nil
	}
	if err != nil {
		return models.AuctionFile{}, false, fmt.Errorf("get file %s: %w", id, err)
	}
	return file, true, nil
}

// UpsertVariant writes the (asset_group_id, variant) row, replacing any previous
// rendition of the same variant, and returns its id. A freshly published row is
// always attached.
func (s *Store) UpsertVariant(ctx context.Context, p models.VariantParams) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO auction_files (
			asset_group_id, lot_id, variant, storage_key, cdn_url, mime_type,
			width, height, size_bytes, published_status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (asset_group_id, variant) DO UPDATE SET
			lot_id = COALESCE(EXCLUDED.lot_id, auction_files.lot_id),
			storage_key = EXCLUDED.storage_key,
			cdn_url = EXCLUDED.cdn_url,
			mime_type = EXCLUDED.mime_type,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			size_bytes = EXCLUDED.size_bytes,
			published_status = EXCLUDED.published_status,
			detached_at = NULL,
			updated_at = NOW()
		RETURNING id
	`, p.AssetGroupID, p.LotID, string(p.Variant), p.StorageKey, p.URL, p.MimeType,
		p.Width, p.Height, p.SizeBytes, models.FilePublished).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert %s variant for group %s: %w", p.Variant, p.AssetGroupID, err)
	}
	return id, nil
}

// GetFilesForCleanup returns up to limit rows detached for longer than retention,
// oldest first.
func (s *Store) GetFilesForCleanup(ctx context.Context, retention time.Duration, limit int) ([]models.AuctionFile, error) {
	cutoff := time.Now().UTC().Add(-retention)
	rows, err := s.pool.Query(ctx, `
		SELECT `+fileColumns+`
		FROM auction_files
		WHERE detached_at IS NOT NULL AND detached_at < $1
		ORDER BY detached_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query cleanup candidates: %w", err)
	}
	defer rows.Close()

	var files []models.AuctionFile
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cleanup candidates: %w", err)
	}
	return files, nil
}

// HasActiveReferences reports whether any row of the group outside excludeIDs
// still exists. Attached rows and rows still inside the retention window both
// keep the group's storage referenced.
func (s *Store) HasActiveReferences(ctx context.Context, assetGroupID string, excludeIDs []string) (bool, error) {
	if excludeIDs == nil {
		excludeIDs = []string{}
	}
	var active bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM auction_files WHERE asset_group_id = $1 AND NOT (id = ANY($2)))
	`, assetGroupID, excludeIDs).Scan(&active); err != nil {
		return false, fmt.Errorf("check active references for %s: %w", assetGroupID, err)
	}
	return active, nil
}

// DeleteFiles permanently removes detached rows. Rows re-attached since they were
// selected are left alone.
func (s *Store) DeleteFiles(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM auction_files WHERE id = ANY($1) AND detached_at IS NOT NULL
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete files: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanFile(row pgx.Row) (models.AuctionFile, error) {
	var (
		f       models.AuctionFile
		variant string
	)
	err := row.Scan(&f.ID, &f.LotID, &f.AssetGroupID, &variant, &f.SourceKey, &f.StorageKey, &f.CDNURL,
		&f.MimeType, &f.Width, &f.Height, &f.DurationSeconds, &f.SizeBytes, &f.PublishedStatus,
		&f.DetachedAt, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AuctionFile{}, ErrNotFound
	}
	if err != nil {
		return models.AuctionFile{}, fmt.Errorf("scan file: %w", err)
	}
	f.Variant = models.Variant(variant)
	return f, nil
}
