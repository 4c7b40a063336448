package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap/zaptest"

	"geoProcessor/api/cache"
	"geoProcessor/api/jobrunner"
	"geoProcessor/api/models"
	"geoProcessor/api/repository"
)

type stubRunner struct {
	details map[string]*jobrunner.JobDetail
	err     error
}

func (s *stubRunner) Submit(context.Context, *jobrunner.WorkUnit) (string, error) {
	return "", errors.New("not used")
}

func (s *stubRunner) Describe(_ context.Context, jobID string) (*jobrunner.JobDetail, error) {
	if s.err != nil {
		return nil, s.err
	}
	if d, ok := s.details[jobID]; ok {
		return d, nil
	}
	return &jobrunner.JobDetail{State: jobrunner.StateSubmitted}, nil
}

func (s *stubRunner) Terminate(context.Context, string, string) error { return nil }
func (s *stubRunner) Close() error                                    { return nil }

type stubStore struct {
	objects map[string][]byte
}

func (s *stubStore) ConfirmExists(_ context.Context, key string) (bool, error) {
	_, ok := s.objects[key]
	return ok, nil
}

func (s *stubStore) ObjectSize(_ context.Context, key string) (int64, error) {
	return int64(len(s.objects[key])), nil
}

func (s *stubStore) DownloadURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://results.example.com/" + key, nil
}

func (s *stubStore) GetObject(_ context.Context, key string) ([]byte, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

type mapCache struct {
	mu     sync.Mutex
	values map[string]cache.Entry
}

func newMapCache() *mapCache {
	return &mapCache{values: make(map[string]cache.Entry)}
}

func (c *mapCache) Get(_ context.Context, taskID string) (cache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.values[taskID]; ok {
		return v, nil
	}
	return cache.Entry{}, errors.New("cache miss")
}

func (c *mapCache) Set(_ context.Context, taskID string, entry cache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[taskID] = entry
	return nil
}

func (c *mapCache) Delete(_ context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, taskID)
	return nil
}

func testAOI(t *testing.T) *geojson.Geometry {
	t.Helper()
	geom, err := geojson.UnmarshalGeometry([]byte(`{"type":"Polygon","coordinates":[[[10,50],[10.1,50],[10.1,50.1],[10,50.1],[10,50]]]}`))
	if err != nil {
		t.Fatalf("Parsing test AOI failed: %v", err)
	}
	return geom
}

func seedTask(t *testing.T, repo repository.Repository, status models.TaskStatus, jobID string) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:     "task_abc123",
		Type:   models.TaskTypeIndices,
		Owner:  "farmer-1",
		Status: models.StatusQueued,
		Parameters: models.Parameters{
			Indices: &models.IndicesParameters{
				AOI:      testAOI(t),
				BandURLs: map[string]string{"red": "r", "nir": "n"},
				Indices:  []models.IndexName{models.IndexNDVI},
			},
		},
		MaxRetries: 3,
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	}
	if err := repo.Create(context.Background(), task); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ext := string(jobrunner.StateSubmitted)
	if _, err := repo.UpdateStatus(context.Background(), repository.TaskUpdate{
		ID:                task.ID,
		ObservedStatus:    models.StatusQueued,
		NewStatus:         models.StatusQueued,
		ExternalJobID:     &jobID,
		ExternalJobStatus: &ext,
	}); err != nil {
		t.Fatalf("Recording job id failed: %v", err)
	}
	if status != models.StatusQueued {
		if _, err := repo.UpdateStatus(context.Background(), repository.TaskUpdate{
			ID:             task.ID,
			ObservedStatus: models.StatusQueued,
			NewStatus:      status,
		}); err != nil {
			t.Fatalf("Setup transition failed: %v", err)
		}
	}

	got, err := repo.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return got
}

func newTestReconciler(t *testing.T, repo repository.Repository, runner jobrunner.Client, store Store) *Reconciler {
	t.Helper()
	return New(repo, runner, store, newMapCache(), zaptest.NewLogger(t),
		time.Second, 4, 100, 4*time.Hour)
}

func TestReconcileTask_RunningState(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{details: map[string]*jobrunner.JobDetail{
		"job-1": {State: jobrunner.StateRunning},
	}}
	rec := newTestReconciler(t, repo, runner, &stubStore{objects: map[string][]byte{}})

	task := seedTask(t, repo, models.StatusQueued, "job-1")
	if err := rec.ReconcileTask(context.Background(), task); err != nil {
		t.Fatalf("ReconcileTask failed: %v", err)
	}

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusRunning {
		t.Errorf("Expected running, got %s", got.Status)
	}
	if got.ExternalJobStatus != "running" {
		t.Errorf("Expected external status running, got %q", got.ExternalJobStatus)
	}
}

func TestReconcileTask_PendingKeepsQueued(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{details: map[string]*jobrunner.JobDetail{
		"job-1": {State: jobrunner.StatePending},
	}}
	rec := newTestReconciler(t, repo, runner, &stubStore{objects: map[string][]byte{}})

	task := seedTask(t, repo, models.StatusQueued, "job-1")
	if err := rec.ReconcileTask(context.Background(), task); err != nil {
		t.Fatalf("ReconcileTask failed: %v", err)
	}

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusQueued {
		t.Errorf("Expected queued, got %s", got.Status)
	}
}

func TestReconcileTask_FailedStateRecordsReason(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{details: map[string]*jobrunner.JobDetail{
		"job-1": {State: jobrunner.StateFailed, Reason: "out of memory"},
	}}
	rec := newTestReconciler(t, repo, runner, &stubStore{objects: map[string][]byte{}})

	task := seedTask(t, repo, models.StatusRunning, "job-1")
	if err := rec.ReconcileTask(context.Background(), task); err != nil {
		t.Fatalf("ReconcileTask failed: %v", err)
	}

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("Expected failed, got %s", got.Status)
	}
	if got.ErrorMessage != "out of memory" {
		t.Errorf("Expected failure reason recorded, got %q", got.ErrorMessage)
	}
}

func TestReconcileTask_SucceededWithOutputsCompletes(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{details: map[string]*jobrunner.JobDetail{
		"job-1": {State: jobrunner.StateSucceeded},
	}}
	store := &stubStore{objects: map[string][]byte{
		"tasks/task_abc123/NDVI.tif": []byte("tiff-bytes"),
	}}
	rec := newTestReconciler(t, repo, runner, store)

	task := seedTask(t, repo, models.StatusRunning, "job-1")
	if err := rec.ReconcileTask(context.Background(), task); err != nil {
		t.Fatalf("ReconcileTask failed: %v", err)
	}

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.Progress != 100 {
		t.Errorf("Expected progress 100, got %d", got.Progress)
	}
	if got.Result == nil || len(got.Result.OutputFiles) != 1 {
		t.Fatalf("Expected one output file, got %+v", got.Result)
	}
	out := got.Result.OutputFiles[0]
	if out.StorageKey != "tasks/task_abc123/NDVI.tif" {
		t.Errorf("Unexpected storage key %q", out.StorageKey)
	}
	if out.DownloadURL == "" || out.SizeBytes != int64(len("tiff-bytes")) {
		t.Errorf("Expected presigned URL and size, got %+v", out)
	}
	if out.IndexLabel != "NDVI" {
		t.Errorf("Expected NDVI label, got %q", out.IndexLabel)
	}
}

func TestReconcileTask_SucceededWithMissingOutputFails(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{details: map[string]*jobrunner.JobDetail{
		"job-1": {State: jobrunner.StateSucceeded},
	}}
	rec := newTestReconciler(t, repo, runner, &stubStore{objects: map[string][]byte{}})

	task := seedTask(t, repo, models.StatusRunning, "job-1")
	if err := rec.ReconcileTask(context.Background(), task); err != nil {
		t.Fatalf("ReconcileTask failed: %v", err)
	}

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("Expected failed on missing output, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("Expected a failure message about the missing output")
	}
}

func TestReconcileTask_SucceededWhileQueuedStepsThroughRunning(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{details: map[string]*jobrunner.JobDetail{
		"job-1": {State: jobrunner.StateSucceeded},
	}}
	store := &stubStore{objects: map[string][]byte{
		"tasks/task_abc123/NDVI.tif": []byte("tiff-bytes"),
	}}
	rec := newTestReconciler(t, repo, runner, store)

	task := seedTask(t, repo, models.StatusQueued, "job-1")
	if err := rec.ReconcileTask(context.Background(), task); err != nil {
		t.Fatalf("ReconcileTask failed: %v", err)
	}

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("Expected StartedAt set by the intermediate running step")
	}
}

func TestReconcileTask_IdempotentOnRepeat(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{details: map[string]*jobrunner.JobDetail{
		"job-1": {State: jobrunner.StateRunning},
	}}
	rec := newTestReconciler(t, repo, runner, &stubStore{objects: map[string][]byte{}})

	task := seedTask(t, repo, models.StatusQueued, "job-1")
	for i := 0; i < 3; i++ {
		current, _ := repo.Get(context.Background(), task.ID)
		if err := rec.ReconcileTask(context.Background(), current); err != nil {
			t.Fatalf("ReconcileTask pass %d failed: %v", i, err)
		}
	}

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusRunning {
		t.Errorf("Expected running after repeated passes, got %s", got.Status)
	}
}

func TestReconcileTask_CancelledWinsConflict(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{details: map[string]*jobrunner.JobDetail{
		"job-1": {State: jobrunner.StateRunning},
	}}
	rec := newTestReconciler(t, repo, runner, &stubStore{objects: map[string][]byte{}})

	task := seedTask(t, repo, models.StatusQueued, "job-1")

	// Cancel lands after the reconciler read its snapshot.
	if _, err := repo.UpdateStatus(context.Background(), repository.TaskUpdate{
		ID:             task.ID,
		ObservedStatus: models.StatusQueued,
		NewStatus:      models.StatusCancelled,
	}); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if err := rec.ReconcileTask(context.Background(), task); err != nil {
		t.Fatalf("ReconcileTask failed: %v", err)
	}

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusCancelled {
		t.Errorf("Expected cancelled to stick, got %s", got.Status)
	}
}

func TestReconcileTask_DescribeErrorLeavesTaskAlone(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{err: errors.New("queue unreachable")}
	rec := newTestReconciler(t, repo, runner, &stubStore{objects: map[string][]byte{}})

	task := seedTask(t, repo, models.StatusRunning, "job-1")
	if err := rec.ReconcileTask(context.Background(), task); err != nil {
		t.Fatalf("Expected describe errors to be swallowed, got %v", err)
	}

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusRunning {
		t.Errorf("Expected task untouched, got %s", got.Status)
	}
}

func TestReconcileTask_CompositeReadsManifest(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{details: map[string]*jobrunner.JobDetail{
		"job-1": {State: jobrunner.StateSucceeded},
	}}

	task := &models.Task{
		ID:     "task_comp01",
		Type:   models.TaskTypeComposite,
		Owner:  "farmer-1",
		Status: models.StatusQueued,
		Parameters: models.Parameters{
			Composite: &models.CompositeParameters{
				AOI:           testAOI(t),
				Index:         models.IndexNDVI,
				CompositeMode: "monthly",
				Images: []models.CompositeImage{{
					BandURLs:   map[string]string{"red": "r", "nir": "n"},
					AcquiredAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
				}},
			},
		},
		MaxRetries: 3,
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	}
	repo.Create(context.Background(), task)
	jobID := "job-1"
	repo.UpdateStatus(context.Background(), repository.TaskUpdate{
		ID: task.ID, ObservedStatus: models.StatusQueued, NewStatus: models.StatusQueued, ExternalJobID: &jobID,
	})
	repo.UpdateStatus(context.Background(), repository.TaskUpdate{
		ID: task.ID, ObservedStatus: models.StatusQueued, NewStatus: models.StatusRunning,
	})

	store := &stubStore{objects: map[string][]byte{
		"tasks/task_comp01/manifest.json":         []byte(`{"files":[{"name":"composite_2024-06.tif","index_label":"NDVI"},{"name":"composite_2024-07.tif","index_label":"NDVI"}]}`),
		"tasks/task_comp01/composite_2024-06.tif": []byte("june"),
		"tasks/task_comp01/composite_2024-07.tif": []byte("july"),
	}}
	rec := newTestReconciler(t, repo, runner, store)

	current, _ := repo.Get(context.Background(), task.ID)
	if err := rec.ReconcileTask(context.Background(), current); err != nil {
		t.Fatalf("ReconcileTask failed: %v", err)
	}

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if len(got.Result.OutputFiles) != 2 {
		t.Fatalf("Expected 2 output files, got %d", len(got.Result.OutputFiles))
	}
	if got.Result.OutputFiles[0].Name != "composite_2024-06.tif" {
		t.Errorf("Unexpected first output %q", got.Result.OutputFiles[0].Name)
	}
}

func TestRunCycle_ReconcilesAllActive(t *testing.T) {
	repo := repository.NewInMemoryRepo()
	runner := &stubRunner{details: map[string]*jobrunner.JobDetail{
		"job-1": {State: jobrunner.StateRunning},
	}}
	rec := newTestReconciler(t, repo, runner, &stubStore{objects: map[string][]byte{}})

	task := seedTask(t, repo, models.StatusQueued, "job-1")
	rec.RunCycle(context.Background())

	got, _ := repo.Get(context.Background(), task.ID)
	if got.Status != models.StatusRunning {
		t.Errorf("Expected cycle to advance the task, got %s", got.Status)
	}
}
