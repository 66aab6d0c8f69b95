package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/internal/util"
)

// FFmpegRenderer builds a vertical slideshow with ffmpeg's concat demuxer
// and muxes the narration over it
type FFmpegRenderer struct {
	FFmpeg  string // Binary name or path, "ffmpeg" if empty
	FFprobe string // Binary name or path, "ffprobe" if empty
	Width   int
	Height  int
	FPS     int
	logger  *slog.Logger
}

// NewFFmpegRenderer creates a 1080x1920, 30 fps renderer
func NewFFmpegRenderer(logger *slog.Logger) *FFmpegRenderer {
	return &FFmpegRenderer{
		FFmpeg:  "ffmpeg",
		FFprobe: "ffprobe",
		Width:   1080,
		Height:  1920,
		FPS:     30,
		logger:  logger,
	}
}

// Render implements Renderer
func (r *FFmpegRenderer) Render(ctx context.Context, req RenderRequest) (float64, error) {
	const op = "render.ffmpeg"

	if len(req.Images) == 0 {
		return 0, errs.Validationf(op, "no images to render")
	}

	perImage := req.FrameDuration
	total := perImage * float64(len(req.Images))
	if req.AudioPath != "" {
		audioDur, err := r.probeDuration(ctx, req.AudioPath)
		if err != nil {
			return 0, err
		}
		total = audioDur
		perImage = audioDur / float64(len(req.Images))
	}
	if perImage <= 0 {
		return 0, errs.Validationf(op, "non-positive frame duration %.3f", perImage)
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return 0, errs.Fatal(op, fmt.Errorf("failed to create output directory: %w", err))
	}

	listFile := req.OutputPath + ".concat.txt"
	if err := os.WriteFile(listFile, []byte(concatList(req.Images, perImage)), 0o644); err != nil {
		return 0, errs.Fatal(op, fmt.Errorf("failed to write concat list: %w", err))
	}
	defer os.Remove(listFile)

	// Render next to the destination and rename, so a resumed run never
	// sees a half-written video
	tmpOut := strings.TrimSuffix(req.OutputPath, filepath.Ext(req.OutputPath)) + ".partial.mp4"
	defer os.Remove(tmpOut)

	args := r.ffmpegArgs(listFile, req.AudioPath, tmpOut)
	if err := r.run(ctx, r.binary(r.FFmpeg, "ffmpeg"), args...); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpOut, req.OutputPath); err != nil {
		return 0, errs.Fatal(op, fmt.Errorf("failed to move rendered video: %w", err))
	}

	return total, nil
}

func (r *FFmpegRenderer) ffmpegArgs(listFile, audioPath, outFile string) []string {
	vf := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		r.Width, r.Height, r.Width, r.Height)

	args := []string{"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
	}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	args = append(args,
		"-vf", vf,
		"-r", strconv.Itoa(r.FPS),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "22",
		"-pix_fmt", "yuv420p",
	)
	if audioPath != "" {
		args = append(args, "-c:a", "aac", "-b:a", "192k", "-shortest")
	} else {
		args = append(args, "-an")
	}
	return append(args, "-movflags", "+faststart", outFile)
}

// concatList writes a concat demuxer script. The last image is listed twice
// because the demuxer ignores the final duration directive.
func concatList(images []string, perImage float64) string {
	var b strings.Builder
	for _, img := range images {
		fmt.Fprintf(&b, "file '%s'\n", escapeConcatPath(img))
		fmt.Fprintf(&b, "duration %.3f\n", perImage)
	}
	fmt.Fprintf(&b, "file '%s'\n", escapeConcatPath(images[len(images)-1]))
	return b.String()
}

func escapeConcatPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return strings.ReplaceAll(p, "'", `'\''`)
}

// probeDuration returns a media file's duration in seconds
func (r *FFmpegRenderer) probeDuration(ctx context.Context, path string) (float64, error) {
	const op = "render.ffprobe"

	if !nonEmptyFile(path) {
		return 0, errs.Validationf(op, "audio file %s is missing or empty", path)
	}
	out, err := r.output(ctx, r.binary(r.FFprobe, "ffprobe"),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	return parseDuration(out)
}

func parseDuration(out string) (float64, error) {
	var dur float64
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%f", &dur); err != nil {
		return 0, errs.Validation("render.ffprobe", fmt.Errorf("failed to parse duration %q: %w", strings.TrimSpace(out), err))
	}
	if dur <= 0 {
		return 0, errs.Validationf("render.ffprobe", "non-positive duration %.3f", dur)
	}
	return dur, nil
}

func (r *FFmpegRenderer) binary(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

func (r *FFmpegRenderer) run(ctx context.Context, name string, args ...string) error {
	_, err := r.output(ctx, name, args...)
	return err
}

func (r *FFmpegRenderer) output(ctx context.Context, name string, args ...string) (string, error) {
	op := "render." + filepath.Base(name)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", errs.Transient(op, ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", errs.Fatal(op, fmt.Errorf("%s not found in PATH: %w", name, err))
		}
		tail := util.TruncateString(lastLines(stderr.String(), 5), 800)
		if r.logger != nil {
			r.logger.Error("External command failed", "command", name, "error", err, "stderr", tail)
		}
		return "", errs.Fatal(op, fmt.Errorf("%s failed: %w: %s", name, err, tail))
	}
	return stdout.String(), nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
