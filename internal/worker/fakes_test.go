package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"media-publisher/internal/media"
	"media-publisher/internal/models"
	"media-publisher/internal/origin"
	"media-publisher/internal/storage"
	"media-publisher/internal/store"
)

// memLedger mirrors the store's state machine in memory.
type memLedger struct {
	mu       sync.Mutex
	now      time.Time
	jobs     map[string]*models.PublishJob
	files    map[string]*models.AuctionFile
	variants map[string]models.VariantParams // key: group/variant
	claimErr error
	upserts  int
	// retryCap mirrors the store's global cap; zero disables it.
	retryCap int
}

func newMemLedger() *memLedger {
	return &memLedger{
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		jobs:     map[string]*models.PublishJob{},
		files:    map[string]*models.AuctionFile{},
		variants: map[string]models.VariantParams{},
	}
}

func (m *memLedger) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *memLedger) addSource(jobID, fileID, group, sourceKey, mime string, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &models.AuctionFile{ID: fileID, AssetGroupID: group, Variant: models.VariantSource, PublishedStatus: models.FilePending}
	if sourceKey != "" {
		f.SourceKey = &sourceKey
	}
	if mime != "" {
		f.MimeType = &mime
	}
	m.files[fileID] = f
	m.jobs[jobID] = &models.PublishJob{
		ID: jobID, FileID: fileID, Status: models.JobPending, Priority: priority,
		MaxRetries: 3, RunAfter: m.now, CreatedAt: m.now,
	}
}

// addSourceAt is addSource with explicit run_after and created_at.
func (m *memLedger) addSourceAt(jobID, fileID string, priority int, runAfter, createdAt time.Time) {
	m.addSource(jobID, fileID, "group-"+jobID, "uploads/"+fileID+".jpg", "image/jpeg", priority)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].RunAfter = runAfter
	m.jobs[jobID].CreatedAt = createdAt
}

func (m *memLedger) job(id string) models.PublishJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memLedger) file(id string) models.AuctionFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.files[id]
}

func (m *memLedger) ClaimNextJob(_ context.Context) (models.PublishJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return models.PublishJob{}, false, m.claimErr
	}
	var eligible []*models.PublishJob
	for _, j := range m.jobs {
		if (j.Status == models.JobPending || j.Status == models.JobFailed) &&
			j.RetryCount < j.MaxRetries && (m.retryCap == 0 || j.RetryCount < m.retryCap) &&
			!j.RunAfter.After(m.now) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return models.PublishJob{}, false, nil
	}
	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority > eligible[b].Priority
		}
		if !eligible[a].RunAfter.Equal(eligible[b].RunAfter) {
			return eligible[a].RunAfter.Before(eligible[b].RunAfter)
		}
		return eligible[a].CreatedAt.Before(eligible[b].CreatedAt)
	})
	j := eligible[0]
	started := m.now
	j.Status, j.StartedAt = models.JobProcessing, &started
	if f, ok := m.files[j.FileID]; ok {
		f.PublishedStatus = models.FileProcessing
	}
	return *j, true, nil
}

func (m *memLedger) GetFileByID(_ context.Context, id string) (models.AuctionFile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return models.AuctionFile{}, false, nil
	}
	return *f, true, nil
}

func (m *memLedger) MarkJobCompleted(_ context.Context, jobID, fileID string, urls map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	done := m.now
	j.Status, j.CompletedAt, j.ErrorMessage, j.Output = models.JobCompleted, &done, nil, urls
	if f, ok := m.files[fileID]; ok {
		f.PublishedStatus = models.FilePublished
	}
	return nil
}

func (m *memLedger) MarkJobFailed(_ context.Context, jobID, fileID, message string) (store.FailureOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return store.FailureOutcome{}, store.ErrNotFound
	}
	if j.Terminal() {
		return store.FailureOutcome{}, fmt.Errorf("job %s is already terminal", jobID)
	}
	j.RetryCount++
	j.ErrorMessage = &message
	out := store.FailureOutcome{RetryCount: j.RetryCount, RunAfter: j.RunAfter}
	fileStatus := models.FilePending
	if j.RetryCount >= j.MaxRetries || (m.retryCap > 0 && j.RetryCount >= m.retryCap) {
		out.Terminal = true
		j.Status, fileStatus = models.JobFailed, models.FileFailed
		j.MaxRetries = min(j.MaxRetries, j.RetryCount)
	} else {
		j.Status = models.JobPending
		if next := m.now.Add(store.Backoff(j.RetryCount)); next.After(j.RunAfter) {
			j.RunAfter = next
		}
		out.RunAfter = j.RunAfter
	}
	if f, ok := m.files[fileID]; ok {
		f.PublishedStatus = fileStatus
	}
	return out, nil
}

func (m *memLedger) MarkJobFailedPermanently(_ context.Context, jobID, fileID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	j.Status, j.ErrorMessage = models.JobFailed, &message
	if j.RetryCount < j.MaxRetries {
		j.RetryCount = j.MaxRetries
	}
	if f, ok := m.files[fileID]; ok {
		f.PublishedStatus = models.FileFailed
	}
	return nil
}

func (m *memLedger) UpsertVariant(_ context.Context, p models.VariantParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	m.variants[p.AssetGroupID+"/"+string(p.Variant)] = p
	return p.AssetGroupID + "-" + string(p.Variant), nil
}

// flakyFetcher fails the first failures calls, then serves data.
type flakyFetcher struct {
	mu       sync.Mutex
	failures int
	calls    int
	data     []byte
	mime     string
}

func (f *flakyFetcher) Fetch(_ context.Context, key string) (origin.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return origin.Source{}, fmt.Errorf("fetch %s: %w: 502", key, origin.ErrStatus)
	}
	return origin.Source{Data: f.data, ContentType: f.mime}, nil
}

type stubTranscoder struct {
	panicWith any
}

func (s stubTranscoder) Transcode(data []byte) (media.ImageVariants, error) {
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	if len(data) == 0 {
		return media.ImageVariants{}, errors.New("decode image: empty")
	}
	return media.ImageVariants{
		Thumb:   media.Encoded{Data: []byte("t"), Width: 400, Height: 300},
		Display: media.Encoded{Data: []byte("dd"), Width: 1600, Height: 1200},
	}, nil
}

// memObjects records storage operations against a storage.Client-like surface.
type memObjects struct {
	mu        sync.Mutex
	uploads   []string
	deleted   map[string][]models.Variant
	deleteErr map[string]error
	order     *[]string
}

func newMemObjects() *memObjects {
	return &memObjects{deleted: map[string][]models.Variant{}, deleteErr: map[string]error{}}
}

func (o *memObjects) UploadVariants(_ context.Context, group string, _, _ []byte) (storage.ImageObjects, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, d := storage.ImageKey(group, models.VariantThumb), storage.ImageKey(group, models.VariantDisplay)
	o.uploads = append(o.uploads, t, d)
	return storage.ImageObjects{
		Thumb:   storage.Object{Key: t, URL: "https://cdn/" + t},
		Display: storage.Object{Key: d, URL: "https://cdn/" + d},
	}, nil
}

func (o *memObjects) UploadVideo(_ context.Context, group string, _ []byte, contentType string) (storage.Object, error) {
	key, err := storage.VideoKey(group, contentType)
	if err != nil {
		return storage.Object{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads = append(o.uploads, key)
	return storage.Object{Key: key, URL: "https://cdn/" + key}, nil
}

func (o *memObjects) DeleteAssetGroup(_ context.Context, group string, variants ...models.Variant) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.order != nil {
		*o.order = append(*o.order, "storage:"+group)
	}
	if err := o.deleteErr[group]; err != nil {
		return err
	}
	o.deleted[group] = variants
	return nil
}
