package port

import (
	"context"

	"github.com/revelium-studio/action-mesh/internal/domain/entity"
)

// MeshInvoker wraps the external GPU inference routine. Invoke blocks the
// calling goroutine for the whole run and must abandon the work when ctx is
// cancelled, so the routine runs in an externally killable process.
type MeshInvoker interface {
	Invoke(ctx context.Context, framesDir, outputDir string, mode entity.Mode, blenderExport bool) (*entity.OutputManifest, error)
}
