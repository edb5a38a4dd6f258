package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/revelium-studio/action-mesh/internal/domain/port"
)

// Extractor turns an uploaded video into the zero-padded PNG frame sequence
// (000.png, 001.png, ...) the inference script consumes. Extraction is capped
// at maxFrames; the model ignores anything past that anyway.
type Extractor struct {
	maxFrames int
	logger    *zap.Logger
}

func NewExtractor(maxFrames int, logger *zap.Logger) *Extractor {
	return &Extractor{maxFrames: maxFrames, logger: logger}
}

func (e *Extractor) ExtractFrames(ctx context.Context, videoPath string, outputDir string) (*port.FrameExtractionResult, error) {
	duration, err := e.videoDuration(ctx, videoPath)
	if err != nil {
		e.logger.Warn("could not probe video duration", zap.Error(err))
	}

	framePattern := filepath.Join(outputDir, "%03d.png")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", videoPath,
		"-frames:v", strconv.Itoa(e.maxFrames),
		"-start_number", "0",
		framePattern,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg error: %w, output: %s", err, string(output))
	}

	frames, err := filepath.Glob(filepath.Join(outputDir, "*.png"))
	if err != nil {
		return nil, fmt.Errorf("glob frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames extracted from video")
	}

	e.logger.Info("frames extracted",
		zap.Int("count", len(frames)),
		zap.Float64("video_duration", duration),
	)

	return &port.FrameExtractionResult{
		FrameCount:    len(frames),
		VideoDuration: duration,
	}, nil
}

func (e *Extractor) videoDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	durationStr := strings.TrimSpace(string(output))
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}
