// Package training runs classifier retraining as out-of-band admin jobs.
//
// Retraining never runs inline on a request path: Enqueue accepts a job
// and returns immediately, a single worker goroutine trains and swaps
// the artifact, and callers poll job state. Job state lives in memory
// keyed by id, mirrored to the training_runs table so finished jobs
// survive restarts.
package training

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/shisetsu-ai/bunki/internal/classifier"
	"github.com/shisetsu-ai/bunki/internal/corpus"
	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/storage"
	"github.com/shisetsu-ai/bunki/internal/telemetry"
)

// Job statuses, mirrored verbatim in training_runs rows.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Catalog supplies the descriptors a training corpus is synthesized
// from. Satisfied by *registry.Registry.
type Catalog interface {
	List() []model.FunctionDescriptor
}

// Swapper receives the freshly trained artifact. Satisfied by
// *decision.Service.
type Swapper interface {
	SetArtifact(*classifier.Artifact)
}

// Store mirrors job state durably. Satisfied by *storage.DB.
type Store interface {
	CreateTrainingRun(ctx context.Context, id string, enqueuedAt time.Time) error
	MarkTrainingRunRunning(ctx context.Context, id string, startedAt time.Time) error
	MarkTrainingRunSucceeded(ctx context.Context, id string, finishedAt time.Time, exampleCount int, metrics map[string]float64) error
	MarkTrainingRunFailed(ctx context.Context, id string, finishedAt time.Time, errMsg string) error
	GetTrainingRun(ctx context.Context, id string) (storage.TrainingRun, error)
	ListTrainingRuns(ctx context.Context, limit int) ([]storage.TrainingRun, error)
}

// Config tunes the runner.
type Config struct {
	// ArtifactPath is where trained artifacts are written. Empty skips
	// the write and only hot-swaps in memory.
	ArtifactPath string

	// CuratedPath optionally names a YAML file of hand-written corpus
	// examples merged into every synthesis.
	CuratedPath string

	// QueueSize bounds accepted-but-unstarted jobs; zero means 4.
	QueueSize int

	Training classifier.TrainingConfig
}

// Runner owns the single training worker goroutine.
type Runner struct {
	store   Store
	catalog Catalog
	swapper Swapper
	cfg     Config
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]storage.TrainingRun

	queue      chan string
	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to the loop for the final jobs

	trainDuration metric.Float64Histogram
}

// New creates a runner. store may be nil, leaving job state purely in
// memory.
func New(store Store, catalog Catalog, swapper Swapper, cfg Config, logger *slog.Logger) *Runner {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 4
	}
	meter := telemetry.Meter("bunki/training")
	trainDur, _ := meter.Float64Histogram("bunki.training.duration",
		metric.WithDescription("Time to run one training job (ms)"),
		metric.WithUnit("ms"),
	)
	return &Runner{
		store:         store,
		catalog:       catalog,
		swapper:       swapper,
		cfg:           cfg,
		logger:        logger,
		jobs:          make(map[string]storage.TrainingRun),
		queue:         make(chan string, queueSize),
		done:          make(chan struct{}),
		drainCh:       make(chan context.Context, 1),
		trainDuration: trainDur,
	}
}

// Start begins the worker loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("training: Start called more than once, ignoring")
		return
	}
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.loop(loopCtx)
}

// Drain stops accepting loop wakeups, finishes the in-flight and queued
// jobs bounded by ctx, and blocks until done or the context expires.
func (r *Runner) Drain(ctx context.Context) {
	if !r.started.Load() {
		return
	}
	// The drain context travels over a channel so the loop can pick it
	// up after cancellation. Send before cancel.
	select {
	case r.drainCh <- ctx:
	default:
	}
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("training: drain timed out")
	}
}

// Enqueue accepts a new job, mirrors it to the store, and hands it to
// the worker. A full queue fails the mirrored row and reports
// ServiceUnavailable.
func (r *Runner) Enqueue(ctx context.Context) (storage.TrainingRun, error) {
	run := storage.TrainingRun{
		ID:         uuid.NewString(),
		Status:     StatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
	if r.store != nil {
		if err := r.store.CreateTrainingRun(ctx, run.ID, run.EnqueuedAt); err != nil {
			return storage.TrainingRun{}, err
		}
	}
	r.mu.Lock()
	r.jobs[run.ID] = run
	r.mu.Unlock()

	select {
	case r.queue <- run.ID:
	default:
		r.failJob(ctx, run.ID, "training queue is full")
		return storage.TrainingRun{}, model.E(model.KindServiceUnavailable, "training queue is full")
	}
	r.logger.Info("training: job enqueued", "job_id", run.ID)
	return run, nil
}

// Get returns one job, preferring the in-memory record and falling back
// to the store for jobs from prior processes.
func (r *Runner) Get(ctx context.Context, id string) (storage.TrainingRun, error) {
	r.mu.Lock()
	run, ok := r.jobs[id]
	r.mu.Unlock()
	if ok {
		return run, nil
	}
	if r.store == nil {
		return storage.TrainingRun{}, model.Ef(model.KindNotFound, "training run %s not found", id)
	}
	run, err := r.store.GetTrainingRun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.TrainingRun{}, model.Ef(model.KindNotFound, "training run %s not found", id)
	}
	return run, err
}

// List returns runs newest first, from the store when one is attached.
func (r *Runner) List(ctx context.Context, limit int) ([]storage.TrainingRun, error) {
	if r.store != nil {
		return r.store.ListTrainingRuns(ctx, limit)
	}
	r.mu.Lock()
	runs := make([]storage.TrainingRun, 0, len(r.jobs))
	for _, run := range r.jobs {
		runs = append(runs, run)
	}
	r.mu.Unlock()
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].EnqueuedAt.Equal(runs[j].EnqueuedAt) {
			return runs[i].EnqueuedAt.After(runs[j].EnqueuedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (r *Runner) loop(ctx context.Context) {
	var interrupted []string
	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-r.drainCh:
			default:
			}
			cancel := func() {}
			if drainCtx == nil {
				// Direct cancellation without Drain (e.g. tests).
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			}
			r.drainRemaining(drainCtx, interrupted)
			cancel()
			r.once.Do(func() { close(r.done) })
			return
		case id := <-r.queue:
			if r.runJob(ctx, id) {
				interrupted = append(interrupted, id)
			}
		}
	}
}

// drainRemaining re-runs jobs whose training was cut off by loop
// cancellation, then empties the queue. Whatever the drain context
// cannot accommodate is marked failed rather than left dangling.
func (r *Runner) drainRemaining(ctx context.Context, interrupted []string) {
	for _, id := range interrupted {
		if r.runJob(ctx, id) {
			r.abandon(id)
		}
	}
	for {
		select {
		case id := <-r.queue:
			if r.runJob(ctx, id) {
				r.abandon(id)
			}
		default:
			return
		}
	}
}

func (r *Runner) abandon(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.failJob(ctx, id, "interrupted by shutdown")
}

// runJob executes one training job. It reports true when the job was
// interrupted by context cancellation and should be re-run, false when
// the job reached a verdict.
func (r *Runner) runJob(ctx context.Context, id string) (interrupted bool) {
	if ctx.Err() != nil {
		return true
	}
	start := time.Now().UTC()
	r.setRunning(ctx, id, start)
	r.logger.Info("training: job started", "job_id", id)

	curated, err := corpus.LoadCurated(r.cfg.CuratedPath)
	if err != nil {
		r.failJob(ctx, id, err.Error())
		return false
	}
	examples, warnings := corpus.Synthesize(r.catalog.List(), curated, corpus.Options{})
	for _, w := range warnings {
		r.logger.Warn("training: corpus warning", "job_id", id, "warning", w)
	}

	art, err := classifier.Train(ctx, examples, r.cfg.Training)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		// InsufficientData and friends land here: a failed job, never a
		// crashed worker.
		r.failJob(ctx, id, err.Error())
		return false
	}

	if r.cfg.ArtifactPath != "" {
		if err := art.Save(r.cfg.ArtifactPath); err != nil {
			if ctx.Err() != nil {
				return true
			}
			r.failJob(ctx, id, err.Error())
			return false
		}
	}
	r.swapper.SetArtifact(art)

	finished := time.Now().UTC()
	r.setSucceeded(ctx, id, finished, len(examples), art.Metrics)
	r.trainDuration.Record(ctx, float64(finished.Sub(start).Milliseconds()))
	r.logger.Info("training: job succeeded",
		"job_id", id,
		"examples", len(examples),
		"classes", art.Metrics["class_count"],
		"test_accuracy", art.Metrics["test_accuracy"],
		"duration_ms", finished.Sub(start).Milliseconds(),
	)
	return false
}

func (r *Runner) setRunning(ctx context.Context, id string, at time.Time) {
	r.mu.Lock()
	run := r.jobs[id]
	run.ID = id
	run.Status = StatusRunning
	run.StartedAt = &at
	r.jobs[id] = run
	r.mu.Unlock()
	if r.store == nil {
		return
	}
	if err := r.store.MarkTrainingRunRunning(ctx, id, at); err != nil {
		r.logger.Error("training: mark running", "job_id", id, "error", err)
	}
}

func (r *Runner) setSucceeded(ctx context.Context, id string, at time.Time, exampleCount int, metrics map[string]float64) {
	r.mu.Lock()
	run := r.jobs[id]
	run.ID = id
	run.Status = StatusSucceeded
	run.FinishedAt = &at
	run.ExampleCount = exampleCount
	run.Metrics = metrics
	r.jobs[id] = run
	r.mu.Unlock()
	if r.store == nil {
		return
	}
	if err := r.store.MarkTrainingRunSucceeded(ctx, id, at, exampleCount, metrics); err != nil {
		r.logger.Error("training: mark succeeded", "job_id", id, "error", err)
	}
}

func (r *Runner) failJob(ctx context.Context, id, errMsg string) {
	at := time.Now().UTC()
	r.mu.Lock()
	run := r.jobs[id]
	run.ID = id
	run.Status = StatusFailed
	run.FinishedAt = &at
	run.Error = errMsg
	r.jobs[id] = run
	r.mu.Unlock()
	r.logger.Warn("training: job failed", "job_id", id, "error", errMsg)
	if r.store == nil {
		return
	}
	if err := r.store.MarkTrainingRunFailed(ctx, id, at, errMsg); err != nil {
		r.logger.Error("training: mark failed", "job_id", id, "error", err)
	}
}

// registerMetrics registers the queue depth gauge.
func (r *Runner) registerMetrics() {
	meter := telemetry.Meter("bunki/training")
	_, _ = meter.Int64ObservableGauge("bunki.training.queue_depth",
		metric.WithDescription("Jobs accepted but not yet started"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(r.queue)))
			return nil
		}),
	)
}
