package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/extract"
)

// statusError is a non-2xx response.
type statusError struct {
	code int
	kind error
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (e *statusError) Unwrap() error {
	return e.kind
}

func statusErr(code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return &statusError{code: code, kind: domain.ErrInaccessible}
	case code == http.StatusTooManyRequests:
		return &statusError{code: code, kind: domain.ErrRateLimited}
	default:
		return &statusError{code: code, kind: domain.ErrRetryable}
	}
}

// shouldRetry retries transport errors, throttling and server errors.
func shouldRetry(_ *http.Response, err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

//nolint:bodyclose // false positive: [*http.Response] is a generic type parameter
func newHTTPPolicy(retries int, baseDelay, maxDelay time.Duration) retrypolicy.RetryPolicy[*http.Response] {
	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(shouldRetry).
		WithBackoff(baseDelay, maxDelay).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		Build()
}

// get issues a GET with the platform headers. The caller closes the body.
func (o *Orchestrator) get(ctx context.Context, url string, cred domain.Credential) (*http.Response, error) {
	var lastErr error
	resp, err := failsafe.With[*http.Response](o.httpPolicy).WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = fmt.Errorf("create request: %w", err)
			return nil, lastErr
		}
		req.Header.Set("User-Agent", extract.DefaultUserAgent)
		req.Header.Set("Referer", o.baseURL+"/")
		if cred.Cookie != "" {
			req.Header.Set("Cookie", cred.Cookie)
		}

		resp, err := o.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("send request: %w", err)
			return nil, lastErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = statusErr(resp.StatusCode)
			return nil, lastErr
		}
		lastErr = nil
		return resp, nil
	})
	if err != nil {
		if lastErr != nil {
			return nil, fmt.Errorf("get %s: %w", url, lastErr)
		}
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	return resp, nil
}

// save downloads url to {dir}/{base}.{ext}, with ext derived from the
// response content type.
func (o *Orchestrator) save(ctx context.Context, url, dir, base string, extFor func(string) string, cred domain.Credential) (string, error) {
	resp, err := o.get(ctx, url, cred)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	path := filepath.Join(dir, base+"."+extFor(resp.Header.Get("Content-Type")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w: %w", path, domain.ErrRetryable, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func imageExt(contentType string) string {
	switch mediaType(contentType) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}

func audioExt(contentType string) string {
	switch mediaType(contentType) {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	default:
		return "m4a"
	}
}

// fetchImages downloads the image URLs, and the audio URL when set, into the
// post directory. A failed image fails the whole set; a failed audio track
// is dropped.
func (o *Orchestrator) fetchImages(ctx context.Context, post domain.Post, imageURLs []string, audioURL string) Result {
	dir := o.postDir(post)
	if err := resetDir(dir); err != nil {
		return Result{Outcome: Retryable, Err: err}
	}
	cred := o.creds.Current()

	images := make([]string, 0, len(imageURLs))
	for i, u := range imageURLs {
		path, err := o.save(ctx, u, dir, fmt.Sprintf("%d", i+1), imageExt, cred)
		if err != nil {
			if rerr := os.RemoveAll(dir); rerr != nil {
				o.logger.WithError(rerr).WithField("post_id", post.ID).Warn("failed to clear partial images")
			}
			return Result{Outcome: Retryable, Err: fmt.Errorf("image %d of %d: %w", i+1, len(imageURLs), err)}
		}
		images = append(images, path)
	}

	show := domain.Slideshow{Images: images}
	if audioURL != "" {
		path, err := o.save(ctx, audioURL, dir, "audio", audioExt, cred)
		if err != nil {
			o.logger.WithError(err).WithField("post_id", post.ID).Warn("failed to fetch slideshow audio")
		} else {
			show.Audio = path
		}
	}
	return succeeded(show)
}
