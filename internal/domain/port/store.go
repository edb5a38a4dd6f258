package port

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// ArtifactStore maps a job id to its filesystem namespace. Each namespace is
// written only by the execution unit owning the job and read by the gateway,
// so the store carries no locking of its own.
type ArtifactStore interface {
	// Allocate creates the namespace (input and output directories).
	Allocate(ctx context.Context, id uuid.UUID) error
	// SaveVideo streams the uploaded video into the namespace, enforcing
	// the size ceiling. Returns the number of bytes written.
	SaveVideo(ctx context.Context, id uuid.UUID, r io.Reader) (int64, error)
	// VideoPath, FramesDir and OutputDir resolve paths inside the namespace.
	VideoPath(id uuid.UUID) string
	FramesDir(id uuid.UUID) string
	OutputDir(id uuid.UUID) string
	// ListOutputs returns the artifact names present in the output directory.
	ListOutputs(ctx context.Context, id uuid.UUID) ([]string, error)
	// OpenOutput opens a named artifact for reading. The name is validated
	// against path traversal.
	OpenOutput(ctx context.Context, id uuid.UUID, name string) (io.ReadCloser, int64, error)
	// Reclaim removes the whole namespace.
	Reclaim(ctx context.Context, id uuid.UUID) error
}
