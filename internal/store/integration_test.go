package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-publisher/internal/models"
)

// These tests run against a disposable database named by TEST_DATABASE_URL.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	st, err := New(ctx, Options{DSN: dsn, MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	_, err = st.pool.Exec(ctx, `TRUNCATE publish_jobs, auction_files`)
	require.NoError(t, err)
	return st
}

func seedJob(t *testing.T, st *Store, priority int, runAfter time.Time) (jobID, fileID string) {
	t.Helper()
	ctx := context.Background()
	fileID = uuid.NewString()
	_, err := st.pool.Exec(ctx, `
		INSERT INTO auction_files (id, asset_group_id, variant, source_key, mime_type)
		VALUES ($1, $2, 'source', 'uploads/src.jpg', 'image/jpeg')
	`, fileID, uuid.NewString())
	require.NoError(t, err)
	err = st.pool.QueryRow(ctx, `
		INSERT INTO publish_jobs (file_id, priority, run_after) VALUES ($1, $2, $3) RETURNING id
	`, fileID, priority, runAfter).Scan(&jobID)
	require.NoError(t, err)
	return jobID, fileID
}

func TestIntegrationConcurrentClaimsAreExclusive(t *testing.T) {
	st := newIntegrationStore(t)
	jobID, _ := seedJob(t, st, 0, time.Now().Add(-time.Second))

	const claimers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, found, err := st.ClaimNextJob(context.Background())
			assert.NoError(t, err)
			if found {
				mu.Lock()
				winners = append(winners, job.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, jobID, winners[0])
}

func TestIntegrationClaimOrderFollowsPriority(t *testing.T) {
	st := newIntegrationStore(t)
	runAfter := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	seedJob(t, st, 5, runAfter)
	seedJob(t, st, 10, runAfter)
	seedJob(t, st, 1, runAfter)

	var order []int
	for {
		job, found, err := st.ClaimNextJob(context.Background())
		require.NoError(t, err)
		if !found {
			break
		}
		order = append(order, job.Priority)
	}
	assert.Equal(t, []int{10, 5, 1}, order)
}

func TestIntegrationRetryThenComplete(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()
	jobID, fileID := seedJob(t, st, 0, time.Now().Add(-time.Second))

	for i := 0; i < 2; i++ {
		job, found, err := st.ClaimNextJob(ctx)
		require.NoError(t, err)
		require.True(t, found)
		out, err := st.MarkJobFailed(ctx, job.ID, fileID, "origin unavailable")
		require.NoError(t, err)
		require.False(t, out.Terminal)
		// make the job eligible again without waiting for the backoff
		_, err = st.pool.Exec(ctx, `UPDATE publish_jobs SET run_after = NOW() - INTERVAL '1 second' WHERE id = $1`, jobID)
		require.NoError(t, err)
	}

	job, found, err := st.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, st.MarkJobCompleted(ctx, job.ID, fileID, map[string]string{"thumb": "https://cdn/t.webp"}))

	final, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 2, final.RetryCount)

	file, found, err := st.GetFileByID(ctx, fileID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.FilePublished, file.PublishedStatus)
}

func TestIntegrationUpsertVariantKeepsOneRow(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()
	group := uuid.NewString()
	w1, h1, w2, h2 := 400, 300, 300, 400

	first, err := st.UpsertVariant(ctx, models.VariantParams{
		AssetGroupID: group, Variant: models.VariantThumb, StorageKey: "assets/" + group + "/thumb.webp",
		URL: "https://cdn/one", MimeType: "image/webp", Width: &w1, Height: &h1, SizeBytes: 10,
	})
	require.NoError(t, err)
	second, err := st.UpsertVariant(ctx, models.VariantParams{
		AssetGroupID: group, Variant: models.VariantThumb, StorageKey: "assets/" + group + "/thumb.webp",
		URL: "https://cdn/two", MimeType: "image/webp", Width: &w2, Height: &h2, SizeBytes: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var count int
	require.NoError(t, st.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM auction_files WHERE asset_group_id = $1 AND variant = 'thumb'`, group).Scan(&count))
	assert.Equal(t, 1, count)

	file, _, err := st.GetFileByID(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, file.CDNURL)
	assert.Equal(t, "https://cdn/two", *file.CDNURL)
	require.NotNil(t, file.Width)
	assert.Equal(t, 300, *file.Width)
}

func TestIntegrationRetryCapFailureStaysTerminal(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()
	jobID, fileID := seedJob(t, st, 0, time.Now().Add(-time.Second))

	capped, err := New(ctx, Options{DSN: os.Getenv("TEST_DATABASE_URL"), MaxConns: 2, RetryCap: 1})
	require.NoError(t, err)
	t.Cleanup(capped.Close)

	job, found, err := capped.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.True(t, found)
	out, err := capped.MarkJobFailed(ctx, job.ID, fileID, "origin unavailable")
	require.NoError(t, err)
	require.True(t, out.Terminal)

	final, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, final.Terminal())
	assert.Equal(t, 1, final.MaxRetries)

	// an uncapped store must not pick the job up again
	_, found, err = st.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.False(t, found)
	_, err = st.MarkJobFailed(ctx, jobID, fileID, "late failure")
	assert.Error(t, err)
}

func TestIntegrationBackoffNeverMovesRunAfterBackwards(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()
	jobID, fileID := seedJob(t, st, 0, time.Now().Add(-time.Second))

	job, found, err := st.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.True(t, found)
	far := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	_, err = st.pool.Exec(ctx, `UPDATE publish_jobs SET run_after = $2 WHERE id = $1`, jobID, far)
	require.NoError(t, err)

	out, err := st.MarkJobFailed(ctx, job.ID, fileID, "boom")
	require.NoError(t, err)
	assert.True(t, out.RunAfter.Equal(far), "run_after moved from %s to %s", far, out.RunAfter)
}
