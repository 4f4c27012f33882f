// Package extract wraps the yt-dlp extraction backend.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/blackmichael/tokrelay/internal/command"
	"github.com/blackmichael/tokrelay/internal/domain"
)

// DefaultUserAgent is sent on every platform request.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const binary = "yt-dlp"

// Info is the subset of yt-dlp's info JSON the pipeline reads.
type Info struct {
	ID          string   `json:"id"`
	Type        string   `json:"_type"`
	URL         string   `json:"url"`
	WebpageURL  string   `json:"webpage_url"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Timestamp   *float64 `json:"timestamp"`
	Formats     []Format `json:"formats"`
	Entries     []*Info  `json:"entries"`
}

// Format is one downloadable rendition.
type Format struct {
	FormatID   string `json:"format_id"`
	URL        string `json:"url"`
	Ext        string `json:"ext"`
	VCodec     string `json:"vcodec"`
	ACodec     string `json:"acodec"`
	FormatNote string `json:"format_note"`
}

// HasVideo reports whether the format carries a video stream.
func (f Format) HasVideo() bool {
	return f.VCodec != "" && f.VCodec != "none"
}

// PageURL returns the best post URL of an entry.
func (i *Info) PageURL() string {
	if i.URL != "" {
		return i.URL
	}
	return i.WebpageURL
}

// CreatedAt returns the entry timestamp in epoch seconds, nil when absent.
func (i *Info) CreatedAt() *int64 {
	if i.Timestamp == nil {
		return nil
	}
	ts := int64(*i.Timestamp)
	return &ts
}

// Options tunes a metadata extraction.
type Options struct {
	// Flat lists playlist entries without resolving each one.
	Flat bool

	// Limit caps the number of playlist entries, zero means no cap.
	Limit int

	Credential domain.Credential
}

// Backend is the extraction backend contract.
type Backend interface {
	// Extract returns metadata for url without downloading media.
	Extract(ctx context.Context, url string, opts Options) (*Info, error)

	// Download fetches url to outputTemplate (yt-dlp syntax) and returns the
	// final file path.
	Download(ctx context.Context, url, outputTemplate string, cred domain.Credential) (string, error)
}

// YTDLP runs the yt-dlp binary.
type YTDLP struct {
	runner    command.Runner
	userAgent string
}

// NewYTDLP creates a backend that invokes yt-dlp through runner.
func NewYTDLP(runner command.Runner) *YTDLP {
	return &YTDLP{runner: runner, userAgent: DefaultUserAgent}
}

func (y *YTDLP) baseArgs(cred domain.Credential) []string {
	args := []string{"--no-warnings", "--user-agent", y.userAgent}
	if cred.Cookie != "" {
		args = append(args, "--add-header", "Cookie:"+cred.Cookie)
	}
	return args
}

// Extract implements Backend.
func (y *YTDLP) Extract(ctx context.Context, url string, opts Options) (*Info, error) {
	if !y.runner.Available(binary) {
		return nil, fmt.Errorf("%s: %w", binary, domain.ErrResourceUnavailable)
	}

	args := append(y.baseArgs(opts.Credential), "--dump-single-json")
	if opts.Flat {
		args = append(args, "--flat-playlist")
	}
	if opts.Limit > 0 {
		args = append(args, "--playlist-end", fmt.Sprintf("%d", opts.Limit))
	}
	args = append(args, url)

	stdout, stderr, err := y.runner.Run(ctx, binary, args...)
	if err != nil {
		return nil, ClassifyToolError(err, string(stderr))
	}

	var info Info
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &info); err != nil {
		return nil, fmt.Errorf("decode %s output: %w: %w", binary, domain.ErrRetryable, err)
	}
	return &info, nil
}

// Download implements Backend. The MP4-first format selector avoids the
// audio-only renditions the platform sometimes serves as "best".
func (y *YTDLP) Download(ctx context.Context, url, outputTemplate string, cred domain.Credential) (string, error) {
	if !y.runner.Available(binary) {
		return "", fmt.Errorf("%s: %w", binary, domain.ErrResourceUnavailable)
	}

	args := append(y.baseArgs(cred),
		"-f", "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
		"--merge-output-format", "mp4",
		"--concurrent-fragments", "2",
		"-o", outputTemplate,
		"--print", "after_move:filepath",
		"--no-simulate",
		url,
	)

	stdout, stderr, err := y.runner.Run(ctx, binary, args...)
	if err != nil {
		return "", ClassifyToolError(err, string(stderr))
	}

	path := lastLine(stdout)
	if path == "" {
		return "", fmt.Errorf("%s printed no output path: %w", binary, domain.ErrRetryable)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("downloaded file missing: %w: %w", domain.ErrRetryable, err)
	}
	return path, nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
