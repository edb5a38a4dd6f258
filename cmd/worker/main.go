package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/revelium-studio/action-mesh/internal/api"
	"github.com/revelium-studio/action-mesh/internal/domain/entity"
	"github.com/revelium-studio/action-mesh/internal/domain/port"
	"github.com/revelium-studio/action-mesh/internal/infra/actionmesh"
	"github.com/revelium-studio/action-mesh/internal/infra/config"
	"github.com/revelium-studio/action-mesh/internal/infra/email"
	"github.com/revelium-studio/action-mesh/internal/infra/ffmpeg"
	"github.com/revelium-studio/action-mesh/internal/infra/fsstore"
	"github.com/revelium-studio/action-mesh/internal/infra/metrics"
	minioarchive "github.com/revelium-studio/action-mesh/internal/infra/minio"
	"github.com/revelium-studio/action-mesh/internal/infra/postgres"
	"github.com/revelium-studio/action-mesh/internal/infra/rabbitmq"
	"github.com/revelium-studio/action-mesh/internal/infra/registry"
	"github.com/revelium-studio/action-mesh/internal/infra/tracing"
	"github.com/revelium-studio/action-mesh/internal/scheduler"
	"github.com/revelium-studio/action-mesh/internal/usecase"
	"github.com/revelium-studio/action-mesh/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting action-mesh worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if the collector is unavailable)
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.OTLPEndpoint)
		if err != nil {
			log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
		} else {
			defer tp.Shutdown(ctx)
		}
	}

	// Artifact store
	store, err := fsstore.New(cfg.JobsDir, cfg.MaxUploadSize)
	fatalOnErr(err, "create artifact store")
	log.Info("artifact store ready", zap.String("jobs_dir", cfg.JobsDir))

	// Registry: in-memory by default, postgres when DATABASE_URL is set
	var reg port.JobRegistry = registry.NewMemory()
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		fatalOnErr(err, "connect to postgres")
		defer pool.Close()

		pgReg := postgres.NewRegistry(pool)
		fatalOnErr(pgReg.EnsureSchema(ctx), "ensure registry schema")

		n, err := pgReg.RecoverInterrupted(ctx)
		fatalOnErr(err, "recover interrupted jobs")
		if n > 0 {
			log.Warn("failed jobs interrupted by previous shutdown", zap.Int("count", n))
		}
		reg = pgReg
	}

	// Optional status notification channel
	var statusPub port.StatusPublisher
	if cfg.RabbitMQURL != "" {
		rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
		fatalOnErr(err, "connect to rabbitmq")
		defer rmqConn.Close()

		pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
		fatalOnErr(err, "create rabbitmq publisher")

		statusPub, err = rabbitmq.NewStatusPublisher(pub, cfg.RabbitMQStatusQueue)
		fatalOnErr(err, "create status publisher")
	}

	// Optional bundle archiver
	var archiver port.ArtifactArchiver
	if cfg.MinIOEndpoint != "" {
		arch, err := minioarchive.NewArchiver(minioarchive.ArchiverConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.MinIOArchiveBucket,
		})
		fatalOnErr(err, "create minio archiver")
		fatalOnErr(arch.EnsureBucket(ctx), "ensure archive bucket")
		archiver = arch
	}

	// Infra adapters
	extractor := ffmpeg.NewExtractor(cfg.MaxFrames, log)
	bundler := ffmpeg.NewZipStreamer()
	invoker := actionmesh.NewInvoker(actionmesh.InvokerConfig{
		PythonBin:   cfg.PythonBin,
		Script:      cfg.InferenceScript,
		RepoPath:    cfg.ActionMeshRepo,
		BlenderPath: cfg.BlenderPath,
	}, log)
	notifier := email.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, log)

	// Run pipeline + scheduler
	runner := usecase.NewProcessJobUseCase(invoker, store, bundler, archiver, log)
	sched := scheduler.New(reg, store, extractor, runner, statusPub, notifier, log, scheduler.Config{
		Workers:       cfg.WorkerCount,
		QueueCapacity: cfg.QueueCapacity,
		Timeouts: map[entity.Mode]time.Duration{
			entity.ModeDefault:    cfg.TimeoutDefault,
			entity.ModeFast:       cfg.TimeoutFast,
			entity.ModeFastLowRAM: cfg.TimeoutFastLowRAM,
		},
		RetentionTTL:  cfg.RetentionTTL,
		SweepInterval: cfg.SweepInterval,
		MinFrames:     cfg.MinFrames,
		MaxFrames:     cfg.MaxFrames,
	})
	sched.Start(ctx)

	// Servers
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log)
	handler := api.NewJobHandler(sched, store, bundler, invoker.Available, log)
	apiSrv := api.StartServer(ctx, cfg.HTTPPort, api.NewRouter(handler), log)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info("received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)

	sched.Stop()
	log.Info("action-mesh worker stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
