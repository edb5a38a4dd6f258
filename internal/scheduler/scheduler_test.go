package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/revelium-studio/action-mesh/internal/domain/entity"
	"github.com/revelium-studio/action-mesh/internal/domain/port"
	"github.com/revelium-studio/action-mesh/internal/infra/ffmpeg"
	"github.com/revelium-studio/action-mesh/internal/infra/fsstore"
	"github.com/revelium-studio/action-mesh/internal/infra/registry"
	"github.com/revelium-studio/action-mesh/internal/usecase"
)

const eventually = 5 * time.Second

type fakeExtractor struct {
	frames int
	err    error
}

func (f *fakeExtractor) ExtractFrames(_ context.Context, _ string, _ string) (*port.FrameExtractionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &port.FrameExtractionResult{FrameCount: f.frames, VideoDuration: 2.0}, nil
}

// fakeInvoker blocks each invocation until released, tracking concurrency so
// tests can assert the ceiling.
type fakeInvoker struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int

	started  chan string // frames dir, one element per admitted invocation
	release  chan struct{}
	manifest *entity.OutputManifest
	err      error
	doPanic  bool
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		started: make(chan string, 32),
		release: make(chan struct{}, 32),
		manifest: &entity.OutputManifest{
			PerFrameMeshes: []string{"mesh_000.glb", "mesh_001.glb"},
		},
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, framesDir, _ string, _ entity.Mode, _ bool) (*entity.OutputManifest, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.started <- framesDir

	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if f.doPanic {
		panic("inference blew up")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.manifest, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeInvoker) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

type capturingPublisher struct {
	mu   sync.Mutex
	msgs []entity.JobStatusMessage
}

func (p *capturingPublisher) PublishStatus(_ context.Context, raw []byte) error {
	var msg entity.JobStatusMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *capturingPublisher) statuses(id uuid.UUID) []entity.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []entity.JobStatus
	for _, m := range p.msgs {
		if m.JobID == id {
			out = append(out, m.Status)
		}
	}
	return out
}

type harness struct {
	sched     *Scheduler
	store     *fsstore.Store
	invoker   *fakeInvoker
	publisher *capturingPublisher
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store, err := fsstore.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	invoker := newFakeInvoker()
	publisher := &capturingPublisher{}
	runner := usecase.NewProcessJobUseCase(invoker, store, ffmpeg.NewZipStreamer(), nil, log)

	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 32
	}
	if cfg.MinFrames == 0 {
		cfg.MinFrames = 16
	}
	if cfg.MaxFrames == 0 {
		cfg.MaxFrames = 31
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = map[entity.Mode]time.Duration{
			entity.ModeFast: time.Minute,
		}
	}

	sched := New(registry.NewMemory(), store, &fakeExtractor{frames: 20}, runner, publisher, nil, log, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Stop()
	})

	return &harness{sched: sched, store: store, invoker: invoker, publisher: publisher, cancel: cancel}
}

func (h *harness) submit(t *testing.T) *entity.Job {
	t.Helper()
	job, err := h.sched.Submit(context.Background(), SubmitRequest{
		Video:    strings.NewReader("fake video"),
		Filename: "clip.mp4",
		Mode:     entity.ModeFast,
	})
	require.NoError(t, err)
	return job
}

func (h *harness) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-h.invoker.started:
	case <-time.After(eventually):
		t.Fatal("timed out waiting for an invocation to start")
	}
}

func (h *harness) waitStatus(t *testing.T, id uuid.UUID, want entity.JobStatus) *entity.Job {
	t.Helper()
	var got *entity.Job
	require.Eventually(t, func() bool {
		job, err := h.sched.Query(context.Background(), id)
		if err != nil {
			return false
		}
		got = job
		return job.Status == want
	}, eventually, 5*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	ctx := context.Background()

	_, err := h.sched.Submit(ctx, SubmitRequest{
		Video: strings.NewReader("x"), Filename: "clip.mp4", Mode: "turbo",
	})
	assert.True(t, entity.IsValidation(err), "unknown mode must be a validation error")

	_, err = h.sched.Submit(ctx, SubmitRequest{
		Video: strings.NewReader("x"), Filename: "document.pdf", Mode: entity.ModeFast,
	})
	assert.True(t, entity.IsValidation(err), "unsupported extension must be a validation error")

	jobs, err := h.sched.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions must leave no registry record")
	assert.Zero(t, h.invoker.callCount())
}

func TestSubmitTooFewFrames(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.sched.extractor = &fakeExtractor{frames: 5}

	_, err := h.sched.Submit(context.Background(), SubmitRequest{
		Video: strings.NewReader("x"), Filename: "clip.mp4", Mode: entity.ModeFast,
	})
	require.True(t, entity.IsValidation(err))
	assert.Contains(t, err.Error(), "too short")

	jobs, err := h.sched.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmitFromURL(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote video bytes"))
	}))
	defer origin.Close()

	job, err := h.sched.Submit(context.Background(), SubmitRequest{
		SourceURL: origin.URL + "/clip.mp4",
		Mode:      entity.ModeFast,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusQueued, job.Status)
	assert.Equal(t, 20, job.FrameCount)

	h.waitStarted(t)
	h.invoker.release <- struct{}{}
	h.waitStatus(t, job.ID, entity.JobStatusFinished)
}

func TestSubmitFromURLRejections(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	ctx := context.Background()

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	_, err := h.sched.Submit(ctx, SubmitRequest{
		SourceURL: missing.URL + "/gone.mp4", Mode: entity.ModeFast,
	})
	assert.True(t, entity.IsValidation(err), "unreachable remote must be a validation error")

	_, err = h.sched.Submit(ctx, SubmitRequest{
		SourceURL: "ftp://example.com/clip.mp4", Mode: entity.ModeFast,
	})
	assert.True(t, entity.IsValidation(err), "non-http scheme must be a validation error")

	_, err = h.sched.Submit(ctx, SubmitRequest{Mode: entity.ModeFast})
	assert.True(t, entity.IsValidation(err), "missing both sources must be a validation error")

	oversized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 2<<20))
	}))
	defer oversized.Close()
	_, err = h.sched.Submit(ctx, SubmitRequest{
		SourceURL: oversized.URL + "/huge.mp4", Mode: entity.ModeFast,
	})
	require.True(t, entity.IsValidation(err))
	assert.Contains(t, err.Error(), "too large")

	jobs, err := h.sched.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected downloads must leave no registry record")
	assert.Zero(t, h.invoker.callCount())
}

func TestJobLifecycleFinished(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})

	job := h.submit(t)
	assert.Equal(t, entity.JobStatusQueued, job.Status)

	h.waitStarted(t)
	running := h.waitStatus(t, job.ID, entity.JobStatusRunning)
	require.NotNil(t, running.StartedAt)

	h.invoker.release <- struct{}{}
	final := h.waitStatus(t, job.ID, entity.JobStatusFinished)

	require.NotNil(t, final.Outputs)
	assert.Equal(t, h.invoker.manifest.PerFrameMeshes, final.Outputs.PerFrameMeshes,
		"outputs must mirror the invoker's manifest exactly")
	require.NotNil(t, final.FinishedAt)
	assert.False(t, final.FinishedAt.Before(*final.StartedAt))
	assert.False(t, final.StartedAt.Before(final.SubmittedAt))

	assert.Equal(t,
		[]entity.JobStatus{entity.JobStatusQueued, entity.JobStatusRunning, entity.JobStatusFinished},
		h.publisher.statuses(job.ID))
}

func TestJobLifecycleFailed(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.invoker.err = assert.AnError

	job := h.submit(t)
	h.waitStarted(t)
	h.invoker.release <- struct{}{}

	final := h.waitStatus(t, job.ID, entity.JobStatusFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, entity.ReasonInvocationError, final.Error.Reason)
	assert.NotNil(t, final.FinishedAt)
	assert.Nil(t, final.Outputs)
}

func TestPanicBecomesFailed(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.invoker.doPanic = true

	job := h.submit(t)
	h.waitStarted(t)
	h.invoker.release <- struct{}{}

	final := h.waitStatus(t, job.ID, entity.JobStatusFailed)
	require.NotNil(t, final.Error)
	assert.Contains(t, final.Error.Detail, "panicked")

	// The slot was reclaimed: a new job still runs.
	next := h.submit(t)
	h.invoker.doPanic = false
	h.waitStarted(t)
	h.invoker.release <- struct{}{}
	h.waitStatus(t, next.ID, entity.JobStatusFinished)
}

func TestFIFOAdmissionSingleSlot(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})

	job1 := h.submit(t)
	h.waitStarted(t)
	job2 := h.submit(t)
	job3 := h.submit(t)

	h.waitStatus(t, job1.ID, entity.JobStatusRunning)
	for _, j := range []*entity.Job{job2, job3} {
		got, err := h.sched.Query(context.Background(), j.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.JobStatusQueued, got.Status)
	}

	h.invoker.release <- struct{}{}
	h.waitStatus(t, job1.ID, entity.JobStatusFinished)

	h.waitStarted(t)
	h.waitStatus(t, job2.ID, entity.JobStatusRunning)
	got3, err := h.sched.Query(context.Background(), job3.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusQueued, got3.Status, "third job waits until the second terminates")

	h.invoker.release <- struct{}{}
	h.waitStatus(t, job2.ID, entity.JobStatusFinished)
	h.waitStarted(t)
	h.invoker.release <- struct{}{}
	h.waitStatus(t, job3.ID, entity.JobStatusFinished)

	assert.Equal(t, 1, h.invoker.maxConcurrent())
}

func TestConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	for i := 0; i < 5; i++ {
		h.submit(t)
	}
	h.waitStarted(t)
	h.waitStarted(t)

	for i := 0; i < 5; i++ {
		h.invoker.release <- struct{}{}
	}

	require.Eventually(t, func() bool {
		jobs, err := h.sched.List(context.Background())
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if !j.Status.Terminal() {
				return false
			}
		}
		return len(jobs) == 5
	}, eventually, 5*time.Millisecond)

	assert.LessOrEqual(t, h.invoker.maxConcurrent(), 2)
	assert.Equal(t, 5, h.invoker.callCount())
}

func TestDeleteWhileQueued(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})

	blocker := h.submit(t)
	h.waitStarted(t)
	victim := h.submit(t)

	require.NoError(t, h.sched.Delete(context.Background(), victim.ID))
	_, err := h.sched.Query(context.Background(), victim.ID)
	assert.ErrorIs(t, err, entity.ErrNotFound)

	h.invoker.release <- struct{}{}
	h.waitStatus(t, blocker.ID, entity.JobStatusFinished)

	// The deleted job never reaches running.
	assert.Equal(t, 1, h.invoker.callCount())
	_, err = h.sched.Query(context.Background(), victim.ID)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestDeleteWhileRunning(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})

	job := h.submit(t)
	h.waitStarted(t)
	h.waitStatus(t, job.ID, entity.JobStatusRunning)

	require.NoError(t, h.sched.Delete(context.Background(), job.ID))

	// The late completion is discarded and never resurrects the record.
	require.Eventually(t, func() bool {
		_, err := h.sched.Query(context.Background(), job.ID)
		return err != nil
	}, eventually, 5*time.Millisecond)

	// Slot is free again.
	next := h.submit(t)
	h.waitStarted(t)
	h.invoker.release <- struct{}{}
	h.waitStatus(t, next.ID, entity.JobStatusFinished)

	_, err := h.sched.Query(context.Background(), job.ID)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestDeleteUnknownJob(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	err := h.sched.Delete(context.Background(), uuid.New())
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestTimeoutFreesSlot(t *testing.T) {
	h := newHarness(t, Config{
		Workers: 1,
		Timeouts: map[entity.Mode]time.Duration{
			entity.ModeFast:    50 * time.Millisecond,
			entity.ModeDefault: time.Minute,
		},
	})

	job := h.submit(t)
	h.waitStarted(t)

	// Never released: the deadline must kill it.
	final := h.waitStatus(t, job.ID, entity.JobStatusFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, entity.ReasonTimeout, final.Error.Reason)

	// The freed slot admits the next job, submitted under a roomier budget.
	next, err := h.sched.Submit(context.Background(), SubmitRequest{
		Video: strings.NewReader("x"), Filename: "clip.mp4", Mode: entity.ModeDefault,
	})
	require.NoError(t, err)
	h.waitStarted(t)
	h.invoker.release <- struct{}{}
	h.waitStatus(t, next.ID, entity.JobStatusFinished)
}

func TestQueueFull(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, QueueCapacity: 1})

	h.submit(t) // admitted into the slot
	h.waitStarted(t)
	h.submit(t) // fills the queue

	_, err := h.sched.Submit(context.Background(), SubmitRequest{
		Video: strings.NewReader("x"), Filename: "clip.mp4", Mode: entity.ModeFast,
	})
	assert.ErrorIs(t, err, ErrQueueFull)

	jobs, err := h.sched.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "the rejected submission must not leave a record")

	h.invoker.release <- struct{}{}
	h.waitStarted(t)
	h.invoker.release <- struct{}{}
}

func TestRetentionSweep(t *testing.T) {
	h := newHarness(t, Config{
		Workers:       1,
		RetentionTTL:  50 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})

	job := h.submit(t)
	h.waitStarted(t)
	h.invoker.release <- struct{}{}
	h.waitStatus(t, job.ID, entity.JobStatusFinished)

	require.Eventually(t, func() bool {
		_, err := h.sched.Query(context.Background(), job.ID)
		return err != nil
	}, eventually, 10*time.Millisecond, "terminal job must be reclaimed after the TTL")
}
