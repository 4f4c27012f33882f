// Package ffmpeg adapts the ffmpeg and ffprobe tools used to make media
// playable on the delivery channel.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blackmichael/tokrelay/internal/command"
	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/logging"
)

const (
	ffmpegBin  = "ffmpeg"
	ffprobeBin = "ffprobe"
)

// Tool runs ffmpeg and ffprobe.
type Tool struct {
	runner command.Runner
	logger logging.Logger
}

// New creates a Tool.
func New(runner command.Runner, logger logging.Logger) *Tool {
	return &Tool{runner: runner, logger: logger}
}

// Available reports whether ffmpeg is installed.
func (t *Tool) Available() bool {
	return t.runner.Available(ffmpegBin)
}

// Transcode re-encodes input to an H.264/AAC MP4 with the moov atom up front
// and returns the new path, which is the input's path with an .mp4
// extension. When ffmpeg is missing or fails, the input path is returned
// together with the error so callers can fall back to the original file.
func (t *Tool) Transcode(ctx context.Context, input string) (string, error) {
	if !t.Available() {
		return input, fmt.Errorf("%s: %w", ffmpegBin, domain.ErrResourceUnavailable)
	}

	dir := filepath.Dir(input)
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	final := filepath.Join(dir, stem+".mp4")

	tmp, err := os.CreateTemp(dir, stem+"-*.mp4")
	if err != nil {
		return input, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	_, _, err = t.runner.Run(ctx, ffmpegBin,
		"-y", "-i", input,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-preset", "veryfast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		tmpPath,
	)
	if err != nil {
		os.Remove(tmpPath)
		return input, fmt.Errorf("transcode %s: %w", filepath.Base(input), err)
	}

	if err := os.Rename(tmpPath, final); err != nil {
		return tmpPath, nil
	}
	if final != input {
		os.Remove(input)
	}

	t.logger.WithFields(logging.Fields{"input": input, "output": final}).Info("transcoded for delivery")
	return final, nil
}

// HasVideoStream reports whether path contains at least one video stream.
// Without ffprobe the file is assumed to be a video.
func (t *Tool) HasVideoStream(ctx context.Context, path string) bool {
	if !t.runner.Available(ffprobeBin) {
		return true
	}
	stdout, _, err := t.runner.Run(ctx, ffprobeBin,
		"-hide_banner",
		"-loglevel", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name",
		"-of", "csv=p=0",
		path,
	)
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(stdout)) != ""
}
