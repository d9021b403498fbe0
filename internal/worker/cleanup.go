package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"media-publisher/internal/models"
	"media-publisher/internal/telemetry"
)

// CleanupLedger is the ledger surface the sweeper needs.
type CleanupLedger interface {
	GetFilesForCleanup(ctx context.Context, retention time.Duration, limit int) ([]models.AuctionFile, error)
	HasActiveReferences(ctx context.Context, assetGroupID string, excludeIDs []string) (bool, error)
	DeleteFiles(ctx context.Context, ids []string) (int64, error)
}

// GroupDeleter removes the stored objects of an asset group.
type GroupDeleter interface {
	DeleteAssetGroup(ctx context.Context, assetGroupID string, variants ...models.Variant) error
}

// SweepLock serializes sweeps across processes. Nil means no coordination.
type SweepLock interface {
	Acquire(ctx context.Context) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Candidates    int
	GroupsDeleted int
	GroupsFailed  int
	RowsDeleted   int64
	// Skipped is true when another process held the sweep lock.
	Skipped bool
}

// Sweeper hard-deletes assets detached for longer than the retention window.
// Storage is always deleted before the ledger rows that reference it.
type Sweeper struct {
	ledger    CleanupLedger
	objects   GroupDeleter
	lock      SweepLock
	retention time.Duration
	batchSize int
	logger    *slog.Logger
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Retention time.Duration
	BatchSize int
	Lock      SweepLock
	Logger    *slog.Logger
}

func NewSweeper(ledger CleanupLedger, objects GroupDeleter, opts SweeperOptions) *Sweeper {
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sweeper{
		ledger:    ledger,
		objects:   objects,
		lock:      opts.Lock,
		retention: opts.Retention,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
	}
}

type candidateGroup struct {
	id    string
	files []models.AuctionFile
}

// Sweep processes one bounded batch of cleanup candidates. Per-group failures are
// logged and counted, never returned; the error is reserved for failures that
// prevent the sweep from running at all.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if s.lock != nil {
		token, ok, err := s.lock.Acquire(ctx)
		if err != nil {
			return res, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			s.logger.Info("cleanup sweep skipped, lock held elsewhere")
			res.Skipped = true
			return res, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), token); err != nil {
				s.logger.Warn("release sweep lock", "error", err)
			}
		}()
	}

	files, err := s.ledger.GetFilesForCleanup(ctx, s.retention, s.batchSize)
	if err != nil {
		return res, fmt.Errorf("load cleanup candidates: %w", err)
	}
	res.Candidates = len(files)
	if len(files) == 0 {
		return res, nil
	}

	for _, g := range groupByAsset(files) {
		n, err := s.sweepGroup(ctx, g)
		if err != nil {
			var ce *CleanupError
			if !errors.As(err, &ce) {
				ce = &CleanupError{AssetGroupID: g.id, Err: err}
			}
			telemetry.CleanupFailures.Inc()
			res.GroupsFailed++
			s.logger.Error("cleanup group failed", "asset_group_id", g.id, "error", ce)
			continue
		}
		telemetry.CleanupGroupsDeleted.Inc()
		res.GroupsDeleted++
		res.RowsDeleted += n
	}
	s.logger.Info("cleanup sweep finished", "candidates", res.Candidates, "groups_deleted", res.GroupsDeleted,
		"groups_failed", res.GroupsFailed, "rows_deleted", res.RowsDeleted)
	return res, nil
}

// sweepGroup deletes a group's expired rows. While any other row of the group
// exists, attached or still inside retention, only the expired variants' objects
// are removed; otherwise every key the group could occupy is.
func (s *Sweeper) sweepGroup(ctx context.Context, g candidateGroup) (int64, error) {
	ids := make([]string, 0, len(g.files))
	variants := make([]models.Variant, 0, len(g.files))
	for _, f := range g.files {
		ids = append(ids, f.ID)
		variants = append(variants, f.Variant)
	}

	referenced, err := s.ledger.HasActiveReferences(ctx, g.id, ids)
	if err != nil {
		return 0, err
	}
	if !referenced {
		variants = nil
	}
	if err := s.objects.DeleteAssetGroup(ctx, g.id, variants...); err != nil {
		return 0, &CleanupError{AssetGroupID: g.id, Err: err}
	}

	n, err := s.ledger.DeleteFiles(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete rows: %w", err)
	}
	if n < int64(len(ids)) {
		// a row re-attached after the reference check keeps its row, but its
		// object may already be gone; republishing restores it
		s.logger.Warn("cleanup rows kept, re-attached during sweep", "asset_group_id", g.id,
			"kept", int64(len(ids))-n)
	}
	return n, nil
}

func groupByAsset(files []models.AuctionFile) []candidateGroup {
	index := make(map[string]int)
	var groups []candidateGroup
	for _, f := range files {
		i, ok := index[f.AssetGroupID]
		if !ok {
			i = len(groups)
			index[f.AssetGroupID] = i
			groups = append(groups, candidateGroup{id: f.AssetGroupID})
		}
		groups[i].files = append(groups[i].files, f)
	}
	return groups
}
