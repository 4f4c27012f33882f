// Package download retrieves a post's media through an ordered chain of
// fallback strategies.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/blackmichael/tokrelay/internal/command"
	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/extract"
	"github.com/blackmichael/tokrelay/internal/logging"
)

// Transcoder normalizes a downloaded video for delivery. On failure it
// returns the input path together with the error.
type Transcoder interface {
	Transcode(ctx context.Context, path string) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	// Root is the download root; files land under {Root}/{creator}.
	Root string

	// BaseURL is the platform base used to synthesize post URLs.
	BaseURL string

	// HTTPClient fetches images and pages. Defaults to a 30s client.
	HTTPClient *http.Client

	HTTPRetries   int
	HTTPBaseDelay time.Duration
	HTTPMaxDelay  time.Duration
}

// Download is a completed download. Kind and URL are the effective values,
// which differ from the post's when a fallback reclassified it.
type Download struct {
	Media domain.Media
	Kind  domain.Kind
	URL   string
}

// Apply returns a copy of post carrying the effective kind and URL.
func (d *Download) Apply(post domain.Post) domain.Post {
	post.Kind = d.Kind
	post.URL = d.URL
	return post
}

// Orchestrator downloads posts.
type Orchestrator struct {
	backend    extract.Backend
	runner     command.Runner
	transcoder Transcoder
	creds      domain.CredentialSource
	client     *http.Client
	httpPolicy retrypolicy.RetryPolicy[*http.Response]
	root       string
	baseURL    string
	logger     logging.Logger
}

// New creates an Orchestrator.
func New(
	backend extract.Backend,
	runner command.Runner,
	transcoder Transcoder,
	creds domain.CredentialSource,
	opts Options,
	logger logging.Logger,
) *Orchestrator {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.HTTPRetries == 0 {
		opts.HTTPRetries = 2
	}
	if opts.HTTPBaseDelay == 0 {
		opts.HTTPBaseDelay = time.Second
	}
	if opts.HTTPMaxDelay < opts.HTTPBaseDelay {
		opts.HTTPMaxDelay = 8 * opts.HTTPBaseDelay
	}

	return &Orchestrator{
		backend:    backend,
		runner:     runner,
		transcoder: transcoder,
		creds:      creds,
		client:     client,
		httpPolicy: newHTTPPolicy(opts.HTTPRetries, opts.HTTPBaseDelay, opts.HTTPMaxDelay),
		root:       opts.Root,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		logger:     logger,
	}
}

// Download retrieves the media of post. The declared kind's chain runs
// first and the other kind's chain runs when it finds nothing. Errors wrap
// domain.ErrInaccessible, domain.ErrHardBlocked or domain.ErrRetryable.
func (o *Orchestrator) Download(ctx context.Context, post domain.Post) (*Download, error) {
	log := o.logger.WithFields(logging.Fields{
		"creator": post.Creator,
		"post_id": post.ID,
	})

	order := []domain.Kind{domain.KindVideo, domain.KindSlideshow}
	if post.Kind == domain.KindSlideshow {
		order = []domain.Kind{domain.KindSlideshow, domain.KindVideo}
	}

	var failures []error
	for i, kind := range order {
		attempt := post
		attempt.Kind = kind
		attempt.URL = o.urlFor(kind, post)
		if i > 0 {
			log.WithFields(logging.Fields{"kind": kind, "url": attempt.URL}).Info("retrying download as other kind")
		}

		r := Run(ctx, attempt, o.logger, o.chain(kind)...)
		switch r.Outcome {
		case Success:
			d := &Download{Media: r.Media, Kind: r.Media.Kind(), URL: o.urlFor(r.Media.Kind(), attempt)}
			log.WithFields(logging.Fields{
				"kind":  d.Kind,
				"files": len(d.Media.Files()),
			}).Info("download finished")
			return d, nil
		case Inaccessible:
			return nil, fmt.Errorf("download %s: %w", post.ID, ensure(r.Err, domain.ErrInaccessible))
		case Blocked:
			return nil, fmt.Errorf("download %s: %w", post.ID, ensure(r.Err, domain.ErrHardBlocked))
		}
		if r.Err != nil {
			failures = append(failures, r.Err)
		}
	}

	if len(failures) == 0 {
		failures = append(failures, errors.New("no strategy produced media"))
	}
	return nil, fmt.Errorf("download %s: %w: %w", post.ID, domain.ErrRetryable, errors.Join(failures...))
}

func (o *Orchestrator) chain(kind domain.Kind) []Strategy {
	if kind == domain.KindSlideshow {
		return []Strategy{
			{Name: "gallery-dl", Fetch: o.fetchGallery},
			{Name: "metadata", Fetch: o.fetchFromMetadata},
			{Name: "html", Fetch: o.fetchFromHTML},
		}
	}
	return []Strategy{{Name: "video", Fetch: o.fetchVideo}}
}

func (o *Orchestrator) urlFor(kind domain.Kind, post domain.Post) string {
	if kind == domain.KindSlideshow {
		return domain.PhotoURL(o.baseURL, post)
	}
	return domain.VideoURL(o.baseURL, post)
}

func (o *Orchestrator) creatorDir(post domain.Post) string {
	return filepath.Join(o.root, post.Creator)
}

func (o *Orchestrator) postDir(post domain.Post) string {
	return filepath.Join(o.root, post.Creator, post.ID)
}

// fetchVideo downloads through the extraction backend and transcodes the
// result. A format-unavailable answer rotates the credential once.
func (o *Orchestrator) fetchVideo(ctx context.Context, post domain.Post) Result {
	dir := o.creatorDir(post)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{Outcome: Retryable, Err: fmt.Errorf("create creator dir: %w", err)}
	}
	tmpl := filepath.Join(dir, post.ID+".%(ext)s")

	path, err := o.backend.Download(ctx, post.URL, tmpl, o.creds.Current())
	if errors.Is(err, domain.ErrNoFormats) && o.creds.Len() > 0 {
		o.logger.WithField("post_id", post.ID).Info("no formats, rotating credential")
		path, err = o.backend.Download(ctx, post.URL, tmpl, o.creds.Rotate())
	}
	if err != nil {
		return resultFromErr(err)
	}

	out, err := o.transcoder.Transcode(ctx, path)
	if err != nil {
		o.logger.WithError(err).WithField("post_id", post.ID).Warn("transcode failed, keeping original")
	}
	return succeeded(domain.Video{Path: out})
}

// fetchFromMetadata reads image URLs from the backend's metadata and fetches
// them directly.
func (o *Orchestrator) fetchFromMetadata(ctx context.Context, post domain.Post) Result {
	info, err := o.backend.Extract(ctx, post.URL, extract.Options{Credential: o.creds.Current()})
	if err != nil {
		if errors.Is(err, domain.ErrHardBlocked) {
			return resultFromErr(err)
		}
		// Photo URLs are often unsupported by the backend.
		return empty(err)
	}

	urls := imageURLs(info)
	if len(urls) == 0 {
		return empty(fmt.Errorf("metadata lists no images"))
	}
	return o.fetchImages(ctx, post, urls, "")
}

func imageURLs(info *extract.Info) []string {
	var urls []string
	if len(info.Entries) > 0 {
		for _, e := range info.Entries {
			if e != nil && e.URL != "" {
				urls = append(urls, e.URL)
			}
		}
		return urls
	}
	for _, f := range info.Formats {
		if f.URL == "" {
			continue
		}
		ext := strings.ToLower(f.Ext)
		isImage := ext == "jpg" || ext == "jpeg" || ext == "png" || ext == "webp" ||
			strings.Contains(strings.ToLower(f.FormatNote), "image") ||
			(f.VCodec == "none" && (f.ACodec == "" || f.ACodec == "none"))
		if isImage {
			urls = append(urls, f.URL)
		}
	}
	return urls
}

// fetchFromHTML parses the post page's embedded state for image and audio
// URLs and fetches them.
func (o *Orchestrator) fetchFromHTML(ctx context.Context, post domain.Post) Result {
	resp, err := o.get(ctx, post.URL, o.creds.Current())
	if err != nil {
		return resultFromErr(err)
	}
	defer resp.Body.Close()

	media, err := parseEmbedded(resp.Body, post.ID)
	if err != nil {
		if errors.Is(err, domain.ErrInaccessible) {
			return Result{Outcome: Inaccessible, Err: err}
		}
		return empty(err)
	}
	if len(media.Images) == 0 {
		return empty(fmt.Errorf("page state lists no images"))
	}
	return o.fetchImages(ctx, post, media.Images, media.Audio)
}

func ensure(err, kind error) error {
	if err == nil {
		return kind
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
