package training_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shisetsu-ai/bunki/internal/analytics"
	"github.com/shisetsu-ai/bunki/internal/classifier"
	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/registry"
	"github.com/shisetsu-ai/bunki/internal/storage"
	"github.com/shisetsu-ai/bunki/internal/training"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.New(":memory:", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func builtinCatalog(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(nil, discardLogger())
	require.NoError(t, analytics.RegisterBuiltins(reg))
	return reg
}

// staticCatalog serves a fixed descriptor list.
type staticCatalog []model.FunctionDescriptor

func (c staticCatalog) List() []model.FunctionDescriptor { return c }

// spySwapper records the last artifact handed over.
type spySwapper struct {
	mu  sync.Mutex
	art *classifier.Artifact
}

func (s *spySwapper) SetArtifact(a *classifier.Artifact) {
	s.mu.Lock()
	s.art = a
	s.mu.Unlock()
}

func (s *spySwapper) artifact() *classifier.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.art
}

func waitTerminal(t *testing.T, r *training.Runner, id string) storage.TrainingRun {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		run, err := r.Get(context.Background(), id)
		require.NoError(t, err)
		if run.Status == training.StatusSucceeded || run.Status == training.StatusFailed {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("training job did not reach a terminal status in time")
	return storage.TrainingRun{}
}

func TestRunner_EndToEnd(t *testing.T) {
	db := newTestStore(t)
	swapper := &spySwapper{}
	artifactPath := filepath.Join(t.TempDir(), "classifier.json")
	r := training.New(db, builtinCatalog(t), swapper,
		training.Config{ArtifactPath: artifactPath, Training: classifier.DefaultTrainingConfig()},
		discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	run, err := r.Enqueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, training.StatusPending, run.Status)
	assert.NotEmpty(t, run.ID)

	done := waitTerminal(t, r, run.ID)
	require.Equal(t, training.StatusSucceeded, done.Status, "error: %s", done.Error)
	assert.Greater(t, done.ExampleCount, 50)
	assert.NotEmpty(t, done.Metrics)
	require.NotNil(t, done.FinishedAt)

	require.NotNil(t, swapper.artifact(), "artifact hot-swapped after success")
	_, err = os.Stat(artifactPath)
	require.NoError(t, err, "artifact written to disk")

	loaded, err := classifier.Load(artifactPath)
	require.NoError(t, err)
	perform, _ := loaded.PredictPerform("what is the average temperature")
	assert.True(t, perform)

	// The mirrored row carries the same verdict.
	stored, err := db.GetTrainingRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, training.StatusSucceeded, stored.Status)
	assert.Equal(t, done.ExampleCount, stored.ExampleCount)
}

func TestRunner_InsufficientDataFailsJob(t *testing.T) {
	db := newTestStore(t)
	swapper := &spySwapper{}
	// One operation class is below the two-class floor, so training must
	// fail the job without killing the worker.
	catalog := staticCatalog{{
		Name:        "average",
		Description: "Arithmetic mean of each series.",
		Patterns:    []string{"average", "mean"},
	}}
	r := training.New(db, catalog, swapper,
		training.Config{Training: classifier.DefaultTrainingConfig()}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	run, err := r.Enqueue(ctx)
	require.NoError(t, err)
	done := waitTerminal(t, r, run.ID)
	assert.Equal(t, training.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "operation classes")
	assert.Nil(t, swapper.artifact(), "no swap on failure")

	// Worker survives a failed job.
	second, err := r.Enqueue(ctx)
	require.NoError(t, err)
	done = waitTerminal(t, r, second.ID)
	assert.Equal(t, training.StatusFailed, done.Status)
}

func TestRunner_CuratedFileMissingFailsJob(t *testing.T) {
	db := newTestStore(t)
	r := training.New(db, builtinCatalog(t), &spySwapper{},
		training.Config{CuratedPath: filepath.Join(t.TempDir(), "absent.yaml")},
		discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	run, err := r.Enqueue(ctx)
	require.NoError(t, err)
	done := waitTerminal(t, r, run.ID)
	assert.Equal(t, training.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "curated")
}

func TestRunner_QueueFullRejectsEnqueue(t *testing.T) {
	db := newTestStore(t)
	// Never started, so the first job stays queued.
	r := training.New(db, builtinCatalog(t), &spySwapper{},
		training.Config{QueueSize: 1}, discardLogger())
	ctx := context.Background()

	first, err := r.Enqueue(ctx)
	require.NoError(t, err)

	_, err = r.Enqueue(ctx)
	require.Error(t, err)
	assert.Equal(t, model.KindServiceUnavailable, model.KindOf(err))

	got, err := r.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, training.StatusPending, got.Status)

	runs, err := r.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2, "the rejected job leaves a failed row")
	statuses := map[string]int{}
	for _, run := range runs {
		statuses[run.Status]++
	}
	assert.Equal(t, 1, statuses[training.StatusPending])
	assert.Equal(t, 1, statuses[training.StatusFailed])
}

func TestRunner_DrainFinishesQueuedJob(t *testing.T) {
	db := newTestStore(t)
	swapper := &spySwapper{}
	r := training.New(db, builtinCatalog(t), swapper,
		training.Config{Training: classifier.DefaultTrainingConfig()}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	run, err := r.Enqueue(ctx)
	require.NoError(t, err)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer drainCancel()
	r.Drain(drainCtx)

	got, err := r.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, training.StatusSucceeded, got.Status, "error: %s", got.Error)
}

func TestRunner_DoubleStartIsNoop(t *testing.T) {
	r := training.New(nil, builtinCatalog(t), &spySwapper{}, training.Config{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Start(ctx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	r.Drain(drainCtx)
}

func TestRunner_GetFallsBackToStore(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	// A run from a prior process exists only in the store.
	require.NoError(t, db.CreateTrainingRun(ctx, "11111111-2222-3333-4444-555555555555", time.Now()))

	r := training.New(db, builtinCatalog(t), &spySwapper{}, training.Config{}, discardLogger())
	run, err := r.Get(ctx, "11111111-2222-3333-4444-555555555555")
	require.NoError(t, err)
	assert.Equal(t, training.StatusPending, run.Status)

	_, err = r.Get(ctx, "no-such-job")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestRunner_ListWithoutStore(t *testing.T) {
	r := training.New(nil, builtinCatalog(t), &spySwapper{}, training.Config{}, discardLogger())
	ctx := context.Background()

	first, err := r.Enqueue(ctx)
	require.NoError(t, err)
	second, err := r.Enqueue(ctx)
	require.NoError(t, err)

	runs, err := r.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID, "newest first")
	assert.Equal(t, first.ID, runs[1].ID)
}
