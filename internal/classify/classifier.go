// Package classify decides whether a post is a video or a slideshow.
package classify

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/extract"
	"github.com/blackmichael/tokrelay/internal/logging"
)

// Policy tunes classification.
type Policy struct {
	// PreferVideo resolves a post that reports both a video codec and a
	// container shape as a video. When false the container shape wins.
	PreferVideo bool

	// RateLimitRetries bounds the retries after a rate-limit signal.
	RateLimitRetries int

	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter is the fraction of each backoff delay that is randomized.
	Jitter float64
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		PreferVideo:      true,
		RateLimitRetries: 3,
		BaseDelay:        2 * time.Second,
		MaxDelay:         30 * time.Second,
		Jitter:           0.2,
	}
}

// Classifier probes post URLs through the extraction backend.
type Classifier struct {
	backend extract.Backend
	creds   domain.CredentialSource
	policy  Policy
	logger  logging.Logger
}

// New creates a Classifier.
func New(backend extract.Backend, creds domain.CredentialSource, policy Policy, logger logging.Logger) *Classifier {
	return &Classifier{
		backend: backend,
		creds:   creds,
		policy:  policy,
		logger:  logger,
	}
}

// Probe returns the media kind of the post at url. It never fails: when the
// backend cannot answer, the URL path decides.
func (c *Classifier) Probe(ctx context.Context, url string) domain.Kind {
	info, err := c.extract(ctx, url)
	if errors.Is(err, domain.ErrNoFormats) {
		if c.creds.Len() > 0 {
			c.creds.Rotate()
		}
		info, err = c.extract(ctx, url)
	}
	if err != nil {
		kind := FromURL(url)
		c.logger.WithError(err).WithFields(logging.Fields{
			"url":  url,
			"kind": kind,
		}).Debug("probe failed, classifying by url")
		return kind
	}
	return c.Decide(info, url)
}

// Decide applies the classification rules to extracted metadata.
func (c *Classifier) Decide(info *extract.Info, url string) domain.Kind {
	hasVideo := false
	for _, f := range info.Formats {
		if f.HasVideo() {
			hasVideo = true
			break
		}
	}
	container := info.Type == "playlist" || len(info.Entries) > 1

	if c.policy.PreferVideo {
		if hasVideo {
			return domain.KindVideo
		}
		if container {
			return domain.KindSlideshow
		}
	} else {
		if container {
			return domain.KindSlideshow
		}
		if hasVideo {
			return domain.KindVideo
		}
	}

	// Only audio renditions: the images are not exposed as formats.
	if len(info.Formats) > 0 {
		return domain.KindSlideshow
	}
	return FromURL(url)
}

// FromURL classifies by path form alone.
func FromURL(url string) domain.Kind {
	if domain.HasPhotoPath(url) {
		return domain.KindSlideshow
	}
	return domain.KindVideo
}

func (c *Classifier) extract(ctx context.Context, url string) (*extract.Info, error) {
	builder := retrypolicy.NewBuilder[*extract.Info]().
		HandleIf(func(_ *extract.Info, err error) bool {
			return errors.Is(err, domain.ErrRateLimited)
		}).
		WithBackoff(c.policy.BaseDelay, c.policy.MaxDelay).
		WithMaxRetries(c.policy.RateLimitRetries)
	if c.policy.Jitter > 0 && c.policy.Jitter <= 1 {
		builder = builder.WithJitterFactor(c.policy.Jitter)
	}
	policy := builder.Build()

	var (
		attempt int
		lastErr error
	)
	info, err := failsafe.With[*extract.Info](policy).WithContext(ctx).Get(func() (*extract.Info, error) {
		attempt++
		info, err := c.backend.Extract(ctx, url, extract.Options{Credential: c.creds.Current()})
		if errors.Is(err, domain.ErrRateLimited) {
			c.logger.WithFields(logging.Fields{"url": url, "attempt": attempt}).Warn("rate limited while probing")
		}
		lastErr = err
		return info, err
	})
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return info, nil
}
