package fsstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Store keeps one directory per job under a root:
//
//	<root>/<job-id>/input.mp4
//	<root>/<job-id>/frames/
//	<root>/<job-id>/output/
//
// A namespace is written only by the job's execution unit and read by the
// gateway, so no locking is needed here.
type Store struct {
	root          string
	maxUploadSize int64
}

// ErrUploadTooLarge is returned when a saved video exceeds the size ceiling.
var ErrUploadTooLarge = fmt.Errorf("upload exceeds size limit")

func New(root string, maxUploadSize int64) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs root: %w", err)
	}
	return &Store{root: root, maxUploadSize: maxUploadSize}, nil
}

func (s *Store) jobDir(id uuid.UUID) string {
	return filepath.Join(s.root, id.String())
}

func (s *Store) VideoPath(id uuid.UUID) string {
	return filepath.Join(s.jobDir(id), "input.mp4")
}

func (s *Store) FramesDir(id uuid.UUID) string {
	return filepath.Join(s.jobDir(id), "frames")
}

func (s *Store) OutputDir(id uuid.UUID) string {
	return filepath.Join(s.jobDir(id), "output")
}

func (s *Store) Allocate(_ context.Context, id uuid.UUID) error {
	for _, dir := range []string{s.FramesDir(id), s.OutputDir(id)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("allocate namespace %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) SaveVideo(_ context.Context, id uuid.UUID, r io.Reader) (int64, error) {
	f, err := os.Create(s.VideoPath(id))
	if err != nil {
		return 0, fmt.Errorf("create video file: %w", err)
	}
	defer f.Close()

	// Read one byte past the limit to detect oversize without buffering
	// the whole upload.
	n, err := io.Copy(f, io.LimitReader(r, s.maxUploadSize+1))
	if err != nil {
		return n, fmt.Errorf("write video: %w", err)
	}
	if n > s.maxUploadSize {
		return n, ErrUploadTooLarge
	}
	return n, nil
}

func (s *Store) ListOutputs(_ context.Context, id uuid.UUID) ([]string, error) {
	entries, err := os.ReadDir(s.OutputDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list outputs %s: %w", id, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) OpenOutput(_ context.Context, id uuid.UUID, name string) (io.ReadCloser, int64, error) {
	if !validArtifactName(name) {
		return nil, 0, os.ErrNotExist
	}

	f, err := os.Open(filepath.Join(s.OutputDir(id), name))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s *Store) Reclaim(_ context.Context, id uuid.UUID) error {
	if err := os.RemoveAll(s.jobDir(id)); err != nil {
		return fmt.Errorf("reclaim namespace %s: %w", id, err)
	}
	return nil
}

// validArtifactName rejects path traversal. Artifact names are flat file
// names inside the output directory.
func validArtifactName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return true
}
