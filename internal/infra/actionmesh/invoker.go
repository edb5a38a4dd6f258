package actionmesh

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/revelium-studio/action-mesh/internal/domain/entity"
)

// Invoker runs the ActionMesh inference script as a child process. The GPU
// routine cannot be interrupted cooperatively, so cancellation kills the
// process group; the concurrency slot is reclaimed as soon as Wait returns.
type Invoker struct {
	pythonBin   string
	script      string
	repoPath    string
	blenderPath string
	logger      *zap.Logger
}

type InvokerConfig struct {
	PythonBin   string
	Script      string
	RepoPath    string
	BlenderPath string
}

func NewInvoker(cfg InvokerConfig, logger *zap.Logger) *Invoker {
	return &Invoker{
		pythonBin:   cfg.PythonBin,
		script:      cfg.Script,
		repoPath:    cfg.RepoPath,
		blenderPath: cfg.BlenderPath,
		logger:      logger,
	}
}

// Available reports whether the inference script can be resolved. Used by
// the health endpoint only.
func (inv *Invoker) Available() bool {
	_, err := os.Stat(inv.script)
	return err == nil
}

func (inv *Invoker) Invoke(ctx context.Context, framesDir, outputDir string, mode entity.Mode, blenderExport bool) (*entity.OutputManifest, error) {
	args := []string{
		inv.script,
		"--input", framesDir,
		"--output", outputDir,
	}
	switch mode {
	case entity.ModeFast:
		args = append(args, "--fast")
	case entity.ModeFastLowRAM:
		args = append(args, "--fast", "--low_ram")
	}
	if blenderExport && inv.blenderPath != "" {
		args = append(args, "--blender_path", inv.blenderPath)
	}

	cmd := exec.CommandContext(ctx, inv.pythonBin, args...)
	cmd.Env = append(os.Environ(), "PYTHONPATH="+inv.repoPath)
	// Give the process a moment to flush after SIGKILL on cancellation.
	cmd.WaitDelay = 5 * time.Second

	inv.logger.Info("invoking inference",
		zap.String("frames_dir", framesDir),
		zap.String("mode", string(mode)),
		zap.Bool("blender_export", blenderExport),
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("inference failed: %w, output: %s", err, tail(string(output), 2000))
	}

	return CollectManifest(outputDir)
}

// CollectManifest scans an output directory for the artifacts the inference
// script produces: per-frame meshes (mesh_000.glb, ...), an optional
// animated_mesh.glb when Blender export ran, and an optional preview video.
func CollectManifest(outputDir string) (*entity.OutputManifest, error) {
	manifest := &entity.OutputManifest{}

	meshes, err := filepath.Glob(filepath.Join(outputDir, "mesh_*.glb"))
	if err != nil {
		return nil, fmt.Errorf("glob meshes: %w", err)
	}
	sort.Strings(meshes)
	for _, m := range meshes {
		manifest.PerFrameMeshes = append(manifest.PerFrameMeshes, filepath.Base(m))
	}

	if _, err := os.Stat(filepath.Join(outputDir, "animated_mesh.glb")); err == nil {
		manifest.AnimatedMesh = "animated_mesh.glb"
	}

	videos, err := filepath.Glob(filepath.Join(outputDir, "*.mp4"))
	if err != nil {
		return nil, fmt.Errorf("glob preview: %w", err)
	}
	sort.Strings(videos)
	if len(videos) > 0 {
		manifest.PreviewVideo = filepath.Base(videos[0])
	}

	if len(manifest.PerFrameMeshes) == 0 {
		return nil, fmt.Errorf("inference produced no meshes in %s", outputDir)
	}
	return manifest, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
