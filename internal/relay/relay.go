// Package relay runs the account loop: resume incomplete uploads, list new
// posts, download them and hand them to the delivery worker.
package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/blackmichael/tokrelay/internal/delivery"
	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/download"
	"github.com/blackmichael/tokrelay/internal/logging"
	"github.com/blackmichael/tokrelay/internal/metrics"
	"github.com/blackmichael/tokrelay/internal/telegram"
)

// Lister returns an account's recent posts, oldest first.
type Lister interface {
	ListRecent(ctx context.Context, account string, depth int) ([]domain.Post, error)
}

// Downloader retrieves a post's media.
type Downloader interface {
	Download(ctx context.Context, post domain.Post) (*download.Download, error)
}

// Creator is one tracked account and where its posts go.
type Creator struct {
	Username string
	Target   telegram.Target
}

// Options tunes the controller.
type Options struct {
	FetchDepth      int
	QueueSize       int
	CreatorDelayMin time.Duration
	CreatorDelayMax time.Duration

	// Interval repeats the pass over all creators when positive.
	Interval time.Duration
}

// Summary counts what one creator pass did.
type Summary struct {
	Resumed    int
	Downloaded int
	Skipped    int
	Delivered  int
	Failed     int
}

// Controller drives creators through the pipeline one at a time.
type Controller struct {
	source     Lister
	downloader Downloader
	ledger     domain.Ledger
	pipeline   *delivery.Pipeline
	creds      domain.CredentialSource
	metrics    *metrics.Metrics
	opts       Options
	logger     logging.Logger
}

// New creates a Controller. m may be nil.
func New(
	source Lister,
	downloader Downloader,
	ledger domain.Ledger,
	pipeline *delivery.Pipeline,
	creds domain.CredentialSource,
	m *metrics.Metrics,
	opts Options,
	logger logging.Logger,
) *Controller {
	if opts.FetchDepth <= 0 {
		opts.FetchDepth = 10
	}
	return &Controller{
		source:     source,
		downloader: downloader,
		ledger:     ledger,
		pipeline:   pipeline,
		creds:      creds,
		metrics:    m,
		opts:       opts,
		logger:     logger,
	}
}

// Run processes every creator once, or once per Interval when it is set,
// until ctx is cancelled. Per-creator failures are logged, never returned.
func (c *Controller) Run(ctx context.Context, creators []Creator) error {
	for pass := 1; ; pass++ {
		c.logger.WithFields(logging.Fields{"pass": pass, "creators": len(creators)}).Info("starting pass")
		c.Pass(ctx, creators)

		if c.opts.Interval <= 0 || ctx.Err() != nil {
			return nil
		}
		c.logger.WithField("interval", c.opts.Interval.String()).Info("pass complete, waiting for next")
		if !wait(ctx, c.opts.Interval) {
			c.logger.Info("shutdown requested, stopping watch loop")
			return nil
		}
	}
}

// Pass processes each creator in order with a random pause between them.
func (c *Controller) Pass(ctx context.Context, creators []Creator) {
	for i, cr := range creators {
		if ctx.Err() != nil {
			c.logger.Info("shutdown requested, not starting next creator")
			return
		}

		if _, err := c.ProcessCreator(ctx, cr); err != nil {
			c.logger.WithError(err).WithField("creator", cr.Username).Error("creator pass aborted")
		}

		if i == len(creators)-1 {
			break
		}
		delay := delivery.RandomDelay(c.opts.CreatorDelayMin, c.opts.CreatorDelayMax)
		c.logger.WithField("delay", delay.String()).Info("waiting before next creator")
		if !wait(ctx, delay) {
			c.logger.Info("shutdown requested during creator delay")
			return
		}
	}
}

// ProcessCreator resumes the creator's incomplete uploads, then downloads and
// queues its new posts, and waits until the queue is drained. A creator in
// cooldown is skipped. The returned error is non-nil when the creator's pass
// was cut short, for instance by a hard block.
func (c *Controller) ProcessCreator(ctx context.Context, cr Creator) (Summary, error) {
	log := c.logger.WithField("creator", cr.Username)

	var sum Summary
	if c.ledger.IsBlocked(cr.Username) {
		log.Warn("creator is cooling down, skipping")
		return sum, nil
	}

	log.Info("processing creator")
	session := c.pipeline.Start(ctx, c.opts.QueueSize)

	queued := c.resume(ctx, cr, session)
	sum.Resumed = len(queued)

	err := c.ingest(ctx, cr, session, queued, &sum)

	sum.Delivered = session.Close()
	sum.Failed = session.Failed()
	log.WithFields(logging.Fields{
		"resumed":    sum.Resumed,
		"downloaded": sum.Downloaded,
		"skipped":    sum.Skipped,
		"delivered":  sum.Delivered,
		"failed":     sum.Failed,
	}).Info("finished creator")
	return sum, err
}

// resume queues the creator's downloaded but undelivered posts. Records whose
// files are gone are skipped and left in the ledger.
func (c *Controller) resume(ctx context.Context, cr Creator, session *delivery.Session) map[string]bool {
	log := c.logger.WithField("creator", cr.Username)
	queued := make(map[string]bool)

	records, err := c.ledger.GetIncomplete(ctx, cr.Username)
	if err != nil {
		log.WithError(err).Error("failed to load incomplete uploads")
		return queued
	}

	for _, r := range records {
		if missing := missingFile(r.Media); missing != "" {
			log.WithFields(logging.Fields{"post_id": r.PostID, "path": missing}).Warn("recorded file missing, skipping resume")
			continue
		}
		if err := session.Enqueue(ctx, delivery.Item{Post: r.Post(), Media: r.Media, Target: cr.Target}); err != nil {
			break
		}
		queued[r.PostID] = true
		c.metrics.IncResumed()
		log.WithField("post_id", r.PostID).Info("resuming incomplete upload")
	}
	return queued
}

func (c *Controller) ingest(ctx context.Context, cr Creator, session *delivery.Session, queued map[string]bool, sum *Summary) error {
	log := c.logger.WithField("creator", cr.Username)

	posts, err := c.list(ctx, cr.Username)
	if err != nil {
		return err
	}
	c.metrics.IncDiscovered(cr.Username, len(posts))

	for _, post := range posts {
		if ctx.Err() != nil {
			log.Info("shutdown requested, stopping creator loop")
			return nil
		}
		if queued[post.ID] {
			continue
		}

		plog := log.WithFields(logging.Fields{"post_id": post.ID, "kind": post.Kind})

		processed, err := c.ledger.IsProcessed(ctx, post.ID)
		if err != nil {
			plog.WithError(err).Error("failed to check ledger")
			continue
		}
		if processed {
			continue
		}

		plog.Info("new post found")
		dl, err := c.downloader.Download(context.WithoutCancel(ctx), post)
		switch {
		case errors.Is(err, domain.ErrHardBlocked):
			c.metrics.IncDownload(string(post.Kind), "blocked")
			c.block(cr.Username)
			return fmt.Errorf("download %s: %w", post.ID, err)
		case errors.Is(err, domain.ErrInaccessible):
			c.metrics.IncDownload(string(post.Kind), "inaccessible")
			plog.WithError(err).Info("post inaccessible, skipping")
			sum.Skipped++
			continue
		case err != nil:
			c.metrics.IncDownload(string(post.Kind), "retryable")
			plog.WithError(err).Warn("download failed")
			sum.Skipped++
			continue
		}

		effective := dl.Apply(post)
		c.metrics.IncDownload(string(effective.Kind), "success")
		if err := c.record(ctx, effective, dl.Media); err != nil {
			plog.WithError(err).Error("failed to record download")
			continue
		}
		sum.Downloaded++

		if err := session.Enqueue(ctx, delivery.Item{Post: effective, Media: dl.Media, Target: cr.Target}); err != nil {
			plog.Info("shutdown requested, post left for resumption")
			return nil
		}
		queued[post.ID] = true
	}
	return nil
}

// list fetches the creator's posts. An empty listing is retried once on the
// next credential.
func (c *Controller) list(ctx context.Context, username string) ([]domain.Post, error) {
	posts, err := c.source.ListRecent(ctx, username, c.opts.FetchDepth)
	if err == nil && len(posts) == 0 && c.creds.Len() > 1 {
		cred := c.creds.Rotate()
		c.logger.WithFields(logging.Fields{"creator": username, "cookie": cred.Path}).Warn("no posts found, retrying with next credential")
		posts, err = c.source.ListRecent(ctx, username, c.opts.FetchDepth)
	}
	if errors.Is(err, domain.ErrHardBlocked) {
		c.block(username)
	}
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// record writes the download and its files. Both must be in the ledger
// before the post is queued.
func (c *Controller) record(ctx context.Context, post domain.Post, media domain.Media) error {
	if err := c.ledger.RecordDownload(ctx, post); err != nil {
		return err
	}
	return c.ledger.RecordDownloadFiles(ctx, post.ID, media)
}

func (c *Controller) block(username string) {
	c.ledger.MarkBlocked(username)
	c.metrics.IncCooldown(username)
}

// missingFile returns the first required file of m that no longer exists.
// A slideshow's audio track is optional.
func missingFile(m domain.Media) string {
	var required []string
	switch v := m.(type) {
	case domain.Video:
		required = []string{v.Path}
	case domain.Slideshow:
		required = v.Images
	}
	for _, path := range required {
		if _, err := os.Stat(path); err != nil {
			return path
		}
	}
	return ""
}

// wait sleeps for d and reports false if ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

