package download

import (
	"context"
	"errors"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/logging"
)

// Outcome tags the result of one download strategy.
type Outcome int

const (
	// Success carries media.
	Success Outcome = iota
	// Empty means the strategy found nothing; the next one may.
	Empty
	// Inaccessible means the post is gone. No strategy should be tried after it.
	Inaccessible
	// Retryable is a transient failure.
	Retryable
	// Blocked is a platform-level block that aborts the account.
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Empty:
		return "empty"
	case Inaccessible:
		return "inaccessible"
	case Retryable:
		return "retryable"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// terminal reports whether the chain stops at this outcome.
func (o Outcome) terminal() bool {
	return o == Success || o == Inaccessible || o == Blocked
}

// Result is the tagged result of a strategy.
type Result struct {
	Outcome Outcome
	Media   domain.Media
	Err     error
}

func succeeded(m domain.Media) Result {
	return Result{Outcome: Success, Media: m}
}

func empty(err error) Result {
	return Result{Outcome: Empty, Err: err}
}

// resultFromErr maps a taxonomy error onto an outcome.
func resultFromErr(err error) Result {
	switch {
	case errors.Is(err, domain.ErrInaccessible):
		return Result{Outcome: Inaccessible, Err: err}
	case errors.Is(err, domain.ErrHardBlocked):
		return Result{Outcome: Blocked, Err: err}
	case errors.Is(err, domain.ErrResourceUnavailable), errors.Is(err, domain.ErrNoFormats):
		return Result{Outcome: Empty, Err: err}
	default:
		return Result{Outcome: Retryable, Err: err}
	}
}

// Strategy is one way of retrieving a post's media.
type Strategy struct {
	Name  string
	Fetch func(ctx context.Context, post domain.Post) Result
}

// Run tries each strategy in order and stops at the first terminal outcome.
// When none is terminal, the last retryable result wins over empty ones.
func Run(ctx context.Context, post domain.Post, logger logging.Logger, strategies ...Strategy) Result {
	last := Result{Outcome: Empty}
	for _, s := range strategies {
		r := s.Fetch(ctx, post)

		entry := logger.WithFields(logging.Fields{
			"post_id":  post.ID,
			"strategy": s.Name,
			"outcome":  r.Outcome.String(),
		})
		if r.Err != nil {
			entry = entry.WithError(r.Err)
		}
		entry.Debug("download strategy finished")

		if r.Outcome.terminal() {
			return r
		}
		if r.Outcome == Retryable || last.Outcome == Empty {
			last = r
		}
	}
	return last
}
