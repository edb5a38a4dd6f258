package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPPort    int `env:"HTTP_PORT"    envDefault:"8080"`
	MetricsPort int `env:"METRICS_PORT" envDefault:"8083"`

	JobsDir       string `env:"JOBS_DIR"        envDefault:"/tmp/actionmesh_jobs"`
	MaxUploadSize int64  `env:"MAX_UPLOAD_SIZE" envDefault:"104857600"` // 100MB

	// WorkerCount is the concurrency ceiling K. The GPU routine is
	// single-threaded and memory-hungry, so this defaults to one.
	WorkerCount   int `env:"WORKER_COUNT"   envDefault:"1"`
	QueueCapacity int `env:"QUEUE_CAPACITY" envDefault:"256"`

	TimeoutDefault    time.Duration `env:"TIMEOUT_DEFAULT"      envDefault:"30m"`
	TimeoutFast       time.Duration `env:"TIMEOUT_FAST"         envDefault:"15m"`
	TimeoutFastLowRAM time.Duration `env:"TIMEOUT_FAST_LOW_RAM" envDefault:"20m"`

	RetentionTTL  time.Duration `env:"RETENTION_TTL"  envDefault:"24h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`

	PythonBin       string `env:"PYTHON_BIN"       envDefault:"python3"`
	InferenceScript string `env:"INFERENCE_SCRIPT" envDefault:"/actionmesh/inference/video_to_animated_mesh.py"`
	ActionMeshRepo  string `env:"ACTIONMESH_REPO"  envDefault:"/actionmesh"`
	BlenderPath     string `env:"BLENDER_PATH"`

	MinFrames int `env:"MIN_FRAMES" envDefault:"16"`
	MaxFrames int `env:"MAX_FRAMES" envDefault:"31"`

	// Optional durable registry. Empty keeps the in-memory registry.
	DatabaseURL string `env:"DATABASE_URL"`

	// Optional status notification channel. Empty disables publishing.
	RabbitMQURL         string `env:"RABBITMQ_URL"`
	RabbitMQExchange    string `env:"RABBITMQ_EXCHANGE"     envDefault:"actionmesh"`
	RabbitMQStatusQueue string `env:"RABBITMQ_STATUS_QUEUE" envDefault:"mesh.status"`

	// Optional archive of finished mesh bundles to object storage.
	MinIOEndpoint      string `env:"MINIO_ENDPOINT"`
	MinIOAccessKey     string `env:"MINIO_ACCESS_KEY"`
	MinIOSecretKey     string `env:"MINIO_SECRET_KEY"`
	MinIOUseSSL        bool   `env:"MINIO_USE_SSL"        envDefault:"false"`
	MinIOArchiveBucket string `env:"MINIO_ARCHIVE_BUCKET" envDefault:"mesh-archives"`

	SMTPHost string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom string `env:"SMTP_FROM" envDefault:"noreply@revelium.local"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
