package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/logging"
)

const mib = 1024 * 1024

// CompressOptions bounds the quality-factor search.
type CompressOptions struct {
	// Ceiling is the byte size the result should fit under.
	Ceiling int64

	// MaxAttempts caps the number of encodes.
	MaxAttempts int

	// Step is added to the CRF after each oversized attempt.
	Step int

	// MaxCRF is the worst quality ever requested.
	MaxCRF int
}

// DefaultCompressOptions targets the plain Bot API upload ceiling.
func DefaultCompressOptions() CompressOptions {
	return CompressOptions{
		Ceiling:     50 * mib,
		MaxAttempts: 3,
		Step:        4,
		MaxCRF:      51,
	}
}

// InitialCRF picks the starting quality factor from the input size bracket.
func InitialCRF(size int64) int {
	switch {
	case size < 100*mib:
		return 28
	case size < 250*mib:
		return 32
	default:
		return 35
	}
}

// Compress re-encodes input with increasing CRF until the output fits under
// the ceiling or the attempts run out. It returns the smallest output
// produced, even when that is still over the ceiling. The input path is
// returned with an error only when no attempt produced a file.
func (t *Tool) Compress(ctx context.Context, input string, opts CompressOptions) (string, error) {
	if !t.Available() {
		return input, fmt.Errorf("%s: %w", ffmpegBin, domain.ErrResourceUnavailable)
	}
	info, err := os.Stat(input)
	if err != nil {
		return input, fmt.Errorf("stat input: %w", err)
	}

	dir := filepath.Dir(input)
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))

	var (
		best     string
		bestSize int64
		lastErr  error
	)
	crf := InitialCRF(info.Size())

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if crf > opts.MaxCRF {
			crf = opts.MaxCRF
		}
		out := filepath.Join(dir, fmt.Sprintf("%s.crf%d.mp4", stem, crf))

		_, _, err := t.runner.Run(ctx, ffmpegBin,
			"-y", "-i", input,
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", strconv.Itoa(crf),
			"-pix_fmt", "yuv420p",
			"-c:a", "aac",
			"-b:a", "96k",
			"-movflags", "+faststart",
			out,
		)
		if err != nil {
			lastErr = err
			os.Remove(out)
			t.logger.WithError(err).WithFields(logging.Fields{"crf": crf, "attempt": attempt}).Warn("compression attempt failed")
		} else if st, statErr := os.Stat(out); statErr == nil {
			t.logger.WithFields(logging.Fields{
				"crf":     crf,
				"attempt": attempt,
				"size":    st.Size(),
			}).Info("compression attempt finished")

			if best == "" || st.Size() < bestSize {
				if best != "" {
					os.Remove(best)
				}
				best, bestSize = out, st.Size()
			} else {
				os.Remove(out)
			}
			if bestSize <= opts.Ceiling {
				return best, nil
			}
		}

		if crf == opts.MaxCRF {
			break
		}
		crf += opts.Step
	}

	if best == "" {
		if lastErr == nil {
			lastErr = fmt.Errorf("no output produced")
		}
		return input, fmt.Errorf("compress %s: %w", filepath.Base(input), lastErr)
	}

	t.logger.WithFields(logging.Fields{"size": bestSize, "ceiling": opts.Ceiling}).Warn("compressed file still over ceiling, sending best attempt")
	return best, nil
}
