package minio

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver uploads finished mesh bundles to an object-storage bucket for
// retention beyond the local TTL. Archival is best-effort; a failed upload
// never changes a job's terminal state.
type Archiver struct {
	client *miniogo.Client
	bucket string
}

type ArchiverConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", a.bucket, err)
		}
	}
	return nil
}

func (a *Archiver) ArchiveBundle(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error) {
	key := fmt.Sprintf("%s/meshes.zip", id)
	_, err := a.client.PutObject(ctx, a.bucket, key, r, size, miniogo.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return "", fmt.Errorf("archive bundle: %w", err)
	}
	return key, nil
}
