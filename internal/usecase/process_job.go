package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/revelium-studio/action-mesh/internal/domain/entity"
	"github.com/revelium-studio/action-mesh/internal/domain/port"
	"github.com/revelium-studio/action-mesh/internal/infra/metrics"
)

// ProcessJobUseCase is the running-phase pipeline: it owns everything that
// happens while a job holds a concurrency slot. Registry transitions stay
// with the scheduler; this type only turns frames into artifacts.
type ProcessJobUseCase struct {
	invoker  port.MeshInvoker
	store    port.ArtifactStore
	bundler  port.Bundler
	archiver port.ArtifactArchiver
	logger   *zap.Logger
}

// NewProcessJobUseCase wires the pipeline. archiver may be nil, in which case
// finished bundles stay local only.
func NewProcessJobUseCase(
	invoker port.MeshInvoker,
	store port.ArtifactStore,
	bundler port.Bundler,
	archiver port.ArtifactArchiver,
	logger *zap.Logger,
) *ProcessJobUseCase {
	return &ProcessJobUseCase{
		invoker:  invoker,
		store:    store,
		bundler:  bundler,
		archiver: archiver,
		logger:   logger,
	}
}

// Execute runs the inference for a job and returns the outputs manifest.
// It blocks the calling goroutine until the invocation returns or ctx is
// cancelled.
func (uc *ProcessJobUseCase) Execute(ctx context.Context, job *entity.Job) (*entity.OutputManifest, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "ProcessJobUseCase.Execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.mode", string(job.Mode)),
		attribute.Int("job.frame_count", job.FrameCount),
	)

	log := uc.logger.With(zap.String("job_id", job.ID.String()))

	invokeStart := time.Now()
	invokeCtx, spanInvoke := tracer.Start(ctx, "invoke_inference")
	manifest, err := uc.invoker.Invoke(
		invokeCtx,
		uc.store.FramesDir(job.ID),
		uc.store.OutputDir(job.ID),
		job.Mode,
		job.BlenderExport,
	)
	spanInvoke.End()
	metrics.JobStageDuration.WithLabelValues("invoke").Observe(time.Since(invokeStart).Seconds())
	if err != nil {
		return nil, err
	}

	log.Info("inference finished",
		zap.Int("per_frame_meshes", len(manifest.PerFrameMeshes)),
		zap.Bool("animated_mesh", manifest.AnimatedMesh != ""),
	)

	if uc.archiver != nil {
		archiveStart := time.Now()
		archiveCtx, spanArchive := tracer.Start(ctx, "archive_bundle")
		if err := uc.archiveBundle(archiveCtx, job, manifest); err != nil {
			// Best-effort: the job still finishes with local artifacts.
			log.Warn("bundle archival failed", zap.Error(err))
		}
		spanArchive.End()
		metrics.JobStageDuration.WithLabelValues("archive").Observe(time.Since(archiveStart).Seconds())
	}

	return manifest, nil
}

func (uc *ProcessJobUseCase) archiveBundle(ctx context.Context, job *entity.Job, manifest *entity.OutputManifest) error {
	outputDir := uc.store.OutputDir(job.ID)
	paths := make([]string, 0, len(manifest.PerFrameMeshes))
	for _, name := range manifest.PerFrameMeshes {
		paths = append(paths, filepath.Join(outputDir, name))
	}

	tmp, err := os.CreateTemp("", "meshes-*.zip")
	if err != nil {
		return fmt.Errorf("create bundle temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := uc.bundler.WriteZip(ctx, paths, tmp); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}

	info, err := tmp.Stat()
	if err != nil {
		return fmt.Errorf("stat bundle: %w", err)
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind bundle: %w", err)
	}

	key, err := uc.archiver.ArchiveBundle(ctx, job.ID, tmp, info.Size())
	if err != nil {
		return err
	}

	uc.logger.Info("bundle archived",
		zap.String("job_id", job.ID.String()),
		zap.String("key", key),
	)
	return nil
}
