// Package source lists the recent posts of a tracked account.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/extract"
	"github.com/blackmichael/tokrelay/internal/logging"
)

// Prober assigns a media kind to a post URL.
type Prober interface {
	Probe(ctx context.Context, url string) domain.Kind
}

// Backoff bounds the retries of a throttled listing.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoff waits 5s, 10s, 20s... capped at five minutes, six attempts
// in total.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts:  6,
		BaseDelay: 5 * time.Second,
		MaxDelay:  5 * time.Minute,
	}
}

// Source lists and classifies posts.
type Source struct {
	backend extract.Backend
	prober  Prober
	creds   domain.CredentialSource
	baseURL string
	backoff Backoff
	logger  logging.Logger
}

// New creates a Source for the platform at baseURL.
func New(backend extract.Backend, prober Prober, creds domain.CredentialSource, baseURL string, backoff Backoff, logger logging.Logger) *Source {
	return &Source{
		backend: backend,
		prober:  prober,
		creds:   creds,
		baseURL: strings.TrimRight(baseURL, "/"),
		backoff: backoff,
		logger:  logger,
	}
}

// ListRecent returns up to depth recent posts of account, oldest first. Each
// post is classified and slideshows carry the photo URL form. An empty result
// is not an error.
func (s *Source) ListRecent(ctx context.Context, account string, depth int) ([]domain.Post, error) {
	log := s.logger.WithField("creator", account)

	info, err := s.list(ctx, account, depth)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", account, err)
	}

	posts := make([]domain.Post, 0, len(info.Entries))
	seen := make(map[string]struct{}, len(info.Entries))
	for _, entry := range info.Entries {
		if entry == nil || entry.ID == "" {
			continue
		}
		if _, ok := seen[entry.ID]; ok {
			continue
		}
		seen[entry.ID] = struct{}{}
		if depth > 0 && len(posts) >= depth {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		post := domain.Post{
			ID:        entry.ID,
			Creator:   account,
			URL:       entry.PageURL(),
			Caption:   caption(entry),
			CreatedAt: entry.CreatedAt(),
		}
		if !strings.HasPrefix(post.URL, "http") {
			post.URL = domain.VideoURL(s.baseURL, domain.Post{ID: post.ID, Creator: account})
		}

		post.Kind = s.prober.Probe(ctx, post.URL)
		if post.Kind == domain.KindSlideshow {
			post.URL = domain.PhotoURL(s.baseURL, post)
		}
		posts = append(posts, post)
	}

	domain.SortChronological(posts)

	log.WithField("count", len(posts)).Info("listed recent posts")
	return posts, nil
}

func (s *Source) list(ctx context.Context, account string, depth int) (*extract.Info, error) {
	url := fmt.Sprintf("%s/@%s", s.baseURL, account)

	retries := s.backoff.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	policy := retrypolicy.NewBuilder[*extract.Info]().
		HandleIf(func(_ *extract.Info, err error) bool {
			return errors.Is(err, domain.ErrRateLimited)
		}).
		WithBackoff(s.backoff.BaseDelay, s.backoff.MaxDelay).
		WithJitterFactor(0.2).
		WithMaxRetries(retries).
		Build()

	var (
		attempt int
		lastErr error
	)
	info, err := failsafe.With[*extract.Info](policy).WithContext(ctx).Get(func() (*extract.Info, error) {
		attempt++
		info, err := s.backend.Extract(ctx, url, extract.Options{
			Flat:       true,
			Limit:      depth,
			Credential: s.creds.Current(),
		})
		if errors.Is(err, domain.ErrRateLimited) {
			s.logger.WithFields(logging.Fields{
				"creator": account,
				"attempt": attempt,
			}).Warn("listing rate limited, backing off")
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

func caption(entry *extract.Info) string {
	if entry.Description != "" {
		return entry.Description
	}
	return entry.Title
}
