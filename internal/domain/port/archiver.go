package port

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// ArtifactArchiver uploads a finished job's mesh bundle to long-term object
// storage. Archival is best-effort and never affects the job's terminal state.
type ArtifactArchiver interface {
	ArchiveBundle(ctx context.Context, id uuid.UUID, r io.Reader, size int64) (string, error)
}
