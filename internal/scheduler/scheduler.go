package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/revelium-studio/action-mesh/internal/domain/entity"
	"github.com/revelium-studio/action-mesh/internal/domain/port"
	"github.com/revelium-studio/action-mesh/internal/infra/fsstore"
	"github.com/revelium-studio/action-mesh/internal/infra/metrics"
	"github.com/revelium-studio/action-mesh/internal/usecase"
)

// ErrQueueFull rejects submissions when the admission queue backlog is at
// capacity.
var ErrQueueFull = errors.New("job queue is full")

var allowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
}

type Config struct {
	// Workers is the concurrency ceiling K: at most this many jobs hold a
	// slot at any instant.
	Workers       int
	QueueCapacity int
	// Timeouts is the per-mode wall-clock budget for a running invocation.
	Timeouts      map[entity.Mode]time.Duration
	RetentionTTL  time.Duration
	SweepInterval time.Duration
	MinFrames     int
	MaxFrames     int
}

// Scheduler owns the job state machine: it is the only component that writes
// to the registry. Admission is strict FIFO through a buffered channel
// drained by Workers goroutines, each running one invocation to completion.
type Scheduler struct {
	registry  port.JobRegistry
	store     port.ArtifactStore
	extractor port.FrameExtractor
	runner    *usecase.ProcessJobUseCase
	publisher port.StatusPublisher
	notifier  port.FailureNotifier
	logger    *zap.Logger
	cfg       Config

	queue chan uuid.UUID
	fetch *http.Client

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc

	wg sync.WaitGroup
}

// New builds a scheduler. publisher and notifier may be nil.
func New(
	registry port.JobRegistry,
	store port.ArtifactStore,
	extractor port.FrameExtractor,
	runner *usecase.ProcessJobUseCase,
	publisher port.StatusPublisher,
	notifier port.FailureNotifier,
	logger *zap.Logger,
	cfg Config,
) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	return &Scheduler{
		registry:  registry,
		store:     store,
		extractor: extractor,
		runner:    runner,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
		queue:     make(chan uuid.UUID, cfg.QueueCapacity),
		fetch:     &http.Client{Timeout: 5 * time.Minute},
		cancels:   make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start launches the worker pool and the retention sweeper. It returns
// immediately; Stop waits for in-flight work after ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("queue_capacity", s.cfg.QueueCapacity),
	)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	if s.cfg.SweepInterval > 0 && s.cfg.RetentionTTL > 0 {
		s.wg.Add(1)
		go s.sweeper(ctx)
	}
}

// Stop blocks until all workers have drained.
func (s *Scheduler) Stop() {
	s.wg.Wait()
}

// SubmitRequest carries a raw upload from the gateway. Exactly one video
// source is required: a direct upload (Video + Filename) or a SourceURL to
// download from. When both are set the upload wins.
type SubmitRequest struct {
	Video         io.Reader
	Filename      string
	SourceURL     string
	Mode          entity.Mode
	BlenderExport bool
	NotifyEmail   string
}

// Submit validates the upload, persists it, extracts frames and enqueues the
// job. It returns the queued snapshot immediately and never blocks on GPU
// work. Validation failures leave no registry record and no namespace behind.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*entity.Job, error) {
	tracer := otel.Tracer("scheduler")
	ctx, span := tracer.Start(ctx, "Scheduler.Submit")
	defer span.End()

	if !req.Mode.Valid() {
		metrics.SubmissionsRejectedTotal.Inc()
		return nil, entity.NewValidationError(fmt.Sprintf("unknown mode %q", req.Mode))
	}
	switch {
	case req.Video != nil:
		if ext := strings.ToLower(filepath.Ext(req.Filename)); !allowedExtensions[ext] {
			metrics.SubmissionsRejectedTotal.Inc()
			return nil, entity.NewValidationError("unsupported file type, expected MP4, MOV, AVI or WebM")
		}
	case req.SourceURL != "":
		u, err := url.Parse(req.SourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			metrics.SubmissionsRejectedTotal.Inc()
			return nil, entity.NewValidationError("video_url must be an http or https URL")
		}
	default:
		metrics.SubmissionsRejectedTotal.Inc()
		return nil, entity.NewValidationError("either a file upload or video_url is required")
	}

	job := entity.NewJob(req.Mode, req.BlenderExport, req.NotifyEmail, 0)
	span.SetAttributes(attribute.String("job.id", job.ID.String()))
	log := s.logger.With(zap.String("job_id", job.ID.String()))

	if err := s.store.Allocate(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("allocate namespace: %w", err)
	}

	video := req.Video
	if video == nil {
		body, err := s.fetchVideo(ctx, req.SourceURL)
		if err != nil {
			s.rollbackNamespace(ctx, job.ID)
			metrics.SubmissionsRejectedTotal.Inc()
			return nil, entity.NewValidationError("could not download video: " + err.Error())
		}
		defer body.Close()
		video = body
	}

	if _, err := s.store.SaveVideo(ctx, job.ID, video); err != nil {
		s.rollbackNamespace(ctx, job.ID)
		metrics.SubmissionsRejectedTotal.Inc()
		if errors.Is(err, fsstore.ErrUploadTooLarge) {
			return nil, entity.NewValidationError("file too large")
		}
		return nil, fmt.Errorf("save upload: %w", err)
	}

	extractCtx, spanExtract := tracer.Start(ctx, "extract_frames")
	extractStart := time.Now()
	result, err := s.extractor.ExtractFrames(extractCtx, s.store.VideoPath(job.ID), s.store.FramesDir(job.ID))
	spanExtract.End()
	metrics.JobStageDuration.WithLabelValues("extract").Observe(time.Since(extractStart).Seconds())
	if err != nil {
		s.rollbackNamespace(ctx, job.ID)
		metrics.SubmissionsRejectedTotal.Inc()
		return nil, entity.NewValidationError("could not extract frames: " + err.Error())
	}
	if result.FrameCount < s.cfg.MinFrames {
		s.rollbackNamespace(ctx, job.ID)
		metrics.SubmissionsRejectedTotal.Inc()
		return nil, entity.NewValidationError(fmt.Sprintf(
			"video too short: %d frames extracted, at least %d required",
			result.FrameCount, s.cfg.MinFrames,
		))
	}
	if result.FrameCount > s.cfg.MaxFrames {
		log.Warn("frame count above model limit, extra frames are ignored",
			zap.Int("frames", result.FrameCount),
			zap.Int("limit", s.cfg.MaxFrames),
		)
	}
	metrics.FramesExtractedTotal.Add(float64(result.FrameCount))
	job.FrameCount = result.FrameCount

	if err := s.registry.Create(ctx, job); err != nil {
		s.rollbackNamespace(ctx, job.ID)
		return nil, fmt.Errorf("create registry record: %w", err)
	}

	select {
	case s.queue <- job.ID:
	default:
		// Roll back completely so a rejected submission is invisible.
		_ = s.registry.Delete(ctx, job.ID)
		s.rollbackNamespace(ctx, job.ID)
		return nil, ErrQueueFull
	}
	metrics.QueueDepth.Inc()

	log.Info("job submitted",
		zap.String("mode", string(job.Mode)),
		zap.Int("frame_count", job.FrameCount),
	)
	s.publishStatus(ctx, job)

	return job.Clone(), nil
}

// Query returns the current snapshot of a job.
func (s *Scheduler) Query(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.registry.Get(ctx, id)
}

// List returns all known jobs ordered by submission time. Sweep/debug
// surface, not part of the public API.
func (s *Scheduler) List(ctx context.Context) ([]*entity.Job, error) {
	return s.registry.List(ctx)
}

// Delete removes a job in any state. A running invocation is cancelled
// best-effort; the registry entry goes first so a late completion finds
// nothing to resurrect, then the namespace is reclaimed.
func (s *Scheduler) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
	s.mu.Unlock()

	if err := s.registry.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.store.Reclaim(ctx, id); err != nil {
		s.logger.Warn("namespace reclaim failed", zap.String("job_id", id.String()), zap.Error(err))
	}

	s.logger.Info("job deleted", zap.String("job_id", id.String()))
	return nil
}

func (s *Scheduler) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	log := s.logger.With(zap.Int("worker_id", workerID))
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		case id := <-s.queue:
			metrics.QueueDepth.Dec()
			s.runJob(ctx, id, log)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, id uuid.UUID, log *zap.Logger) {
	job, err := s.registry.Update(ctx, id, (*entity.Job).MarkRunning)
	if errors.Is(err, entity.ErrNotFound) {
		// Deleted while queued; it never reaches running.
		return
	}
	if err != nil {
		log.Error("failed to admit job", zap.String("job_id", id.String()), zap.Error(err))
		return
	}

	log = log.With(zap.String("job_id", id.String()))
	log.Info("job admitted", zap.String("mode", string(job.Mode)))
	s.publishStatus(ctx, job)

	metrics.RunningJobs.Inc()
	defer metrics.RunningJobs.Dec()

	runCtx, cancel := context.WithTimeout(ctx, s.timeoutFor(job.Mode))
	s.track(id, cancel)
	defer s.untrack(id)
	defer cancel()

	started := time.Now()
	manifest, runErr := s.executeGuarded(runCtx, job)

	var final *entity.Job
	switch {
	case runErr == nil:
		final, err = s.registry.Update(ctx, id, func(j *entity.Job) {
			j.MarkFinished(manifest)
		})
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		final, err = s.registry.Update(ctx, id, func(j *entity.Job) {
			j.MarkFailed(entity.ReasonTimeout, fmt.Sprintf(
				"invocation exceeded the %s budget for mode %s",
				s.timeoutFor(job.Mode), job.Mode,
			))
		})
	case errors.Is(runCtx.Err(), context.Canceled):
		// Deleted mid-run or process shutdown. If the record still exists
		// (shutdown), fail it so nothing stays running forever.
		final, err = s.registry.Update(ctx, id, func(j *entity.Job) {
			j.MarkFailed(entity.ReasonInternalError, "invocation cancelled before completion")
		})
	default:
		final, err = s.registry.Update(ctx, id, func(j *entity.Job) {
			j.MarkFailed(entity.ReasonInvocationError, runErr.Error())
		})
	}

	if errors.Is(err, entity.ErrNotFound) {
		// A concurrent delete won: discard the late result and make sure
		// the killed invocation left no artifacts behind.
		log.Info("job deleted during execution, discarding result")
		if rerr := s.store.Reclaim(ctx, id); rerr != nil {
			log.Warn("post-delete reclaim failed", zap.Error(rerr))
		}
		return
	}
	if err != nil {
		log.Error("failed to record terminal state", zap.Error(err))
		return
	}

	metrics.JobsProcessedTotal.WithLabelValues(string(final.Status)).Inc()
	metrics.JobStageDuration.WithLabelValues("total").Observe(time.Since(started).Seconds())
	s.publishStatus(ctx, final)

	if final.Status == entity.JobStatusFailed {
		log.Warn("job failed",
			zap.String("reason", string(final.Error.Reason)),
			zap.String("detail", final.Error.Detail),
		)
		if s.notifier != nil && final.NotifyEmail != "" {
			_ = s.notifier.NotifyFailure(ctx, final.NotifyEmail, final.ID.String(), final.Error.Detail)
		}
		return
	}

	log.Info("job finished",
		zap.Int("artifacts", len(final.Outputs.Names())),
		zap.Duration("elapsed", time.Since(started)),
	)
}

// executeGuarded converts a panicking execution unit into an error so the
// registry entry is never stranded in running.
func (s *Scheduler) executeGuarded(ctx context.Context, job *entity.Job) (manifest *entity.OutputManifest, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution unit panicked: %v", r)
		}
	}()
	return s.runner.Execute(ctx, job)
}

func (s *Scheduler) sweeper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep reclaims terminal jobs past the retention TTL. Queued and running
// jobs are never swept; the per-mode timeout bounds their lifetime.
func (s *Scheduler) sweep(ctx context.Context) {
	jobs, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Error("retention sweep: list failed", zap.Error(err))
		return
	}

	cutoff := time.Now().UTC().Add(-s.cfg.RetentionTTL)
	swept := 0
	for _, job := range jobs {
		if !job.Status.Terminal() || job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, job.ID); err != nil && !errors.Is(err, entity.ErrNotFound) {
			s.logger.Warn("retention sweep: delete failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info("retention sweep reclaimed jobs", zap.Int("count", swept))
	}
}

func (s *Scheduler) timeoutFor(mode entity.Mode) time.Duration {
	if d, ok := s.cfg.Timeouts[mode]; ok && d > 0 {
		return d
	}
	return 30 * time.Minute
}

func (s *Scheduler) track(id uuid.UUID, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) untrack(id uuid.UUID) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

// fetchVideo downloads a remote video source, following redirects. The size
// cap is enforced downstream when the body is written to the store.
func (s *Scheduler) fetchVideo(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.fetch.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("remote returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *Scheduler) rollbackNamespace(ctx context.Context, id uuid.UUID) {
	if err := s.store.Reclaim(ctx, id); err != nil {
		s.logger.Warn("rollback reclaim failed", zap.String("job_id", id.String()), zap.Error(err))
	}
}

func (s *Scheduler) publishStatus(ctx context.Context, job *entity.Job) {
	if s.publisher == nil {
		return
	}
	data, _ := json.Marshal(entity.StatusMessageFor(job))
	if err := s.publisher.PublishStatus(ctx, data); err != nil {
		s.logger.Error("failed to publish status", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}
