package delivery

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/tokrelay/internal/logging"
)

// Session is one account's bounded queue and the single worker draining it.
type Session struct {
	pipeline *Pipeline
	queue    chan Item
	group    errgroup.Group

	delivered atomic.Int64
	failed    atomic.Int64
}

// Start launches a worker over a queue holding at most size items. Sends run
// to completion even after ctx is cancelled; items still queued at that point
// are skipped and stay incomplete in the ledger.
func (p *Pipeline) Start(ctx context.Context, size int) *Session {
	if size < 1 {
		size = 1
	}
	s := &Session{pipeline: p, queue: make(chan Item, size)}
	s.group.Go(func() error {
		s.work(ctx)
		return nil
	})
	return s
}

// Enqueue blocks until the worker has room for item or ctx is done.
func (s *Session) Enqueue(ctx context.Context, item Item) error {
	select {
	case s.queue <- item:
		s.pipeline.metrics.SetQueueDepth(len(s.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals the end of the queue, waits for the worker to drain it and
// returns the number of posts delivered.
func (s *Session) Close() int {
	close(s.queue)
	_ = s.group.Wait()
	s.pipeline.metrics.SetQueueDepth(0)
	return int(s.delivered.Load())
}

// Failed returns the number of items whose delivery failed.
func (s *Session) Failed() int {
	return int(s.failed.Load())
}

func (s *Session) work(ctx context.Context) {
	p := s.pipeline
	sendCtx := context.WithoutCancel(ctx)

	for item := range s.queue {
		p.metrics.SetQueueDepth(len(s.queue))
		log := p.logger.WithFields(logging.Fields{
			"creator": item.Post.Creator,
			"post_id": item.Post.ID,
		})

		if ctx.Err() != nil {
			log.Info("shutting down, leaving post for resumption")
			continue
		}

		if err := p.Deliver(sendCtx, item); err != nil {
			s.failed.Add(1)
			log.WithError(err).Error("delivery failed, post stays incomplete")
			continue
		}
		s.delivered.Add(1)

		if err := sleep(ctx, RandomDelay(p.opts.PostDelayMin, p.opts.PostDelayMax)); err != nil {
			log.Debug("post delay interrupted")
		}
	}
}
