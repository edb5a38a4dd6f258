package port

import (
	"context"
	"io"
)

// Bundler streams an archive of the given files. Bundles are derived at
// request time from the manifest and never persisted.
type Bundler interface {
	WriteZip(ctx context.Context, filePaths []string, w io.Writer) error
}
