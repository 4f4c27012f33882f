// Package delivery sends downloaded posts to the delivery channel and records
// them as uploaded.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/ffmpeg"
	"github.com/blackmichael/tokrelay/internal/logging"
	"github.com/blackmichael/tokrelay/internal/metrics"
	"github.com/blackmichael/tokrelay/internal/telegram"
)

// AlbumLimit is the most items one grouped message may hold.
const AlbumLimit = 10

const (
	plainUploadCeiling = 50 * mib
	localUploadCeiling = 2000 * mib
)

// Channel is the delivery channel API. *telegram.Client implements it.
type Channel interface {
	SendVideo(ctx context.Context, to telegram.Target, path, caption string, t telegram.Timeouts) (*telegram.Message, error)
	SendAudio(ctx context.Context, to telegram.Target, path, caption string, t telegram.Timeouts) (*telegram.Message, error)
	SendPhoto(ctx context.Context, to telegram.Target, path, caption string, t telegram.Timeouts) (*telegram.Message, error)
	SendMediaGroup(ctx context.Context, to telegram.Target, items []telegram.MediaItem, t telegram.Timeouts) ([]telegram.Message, error)
}

// MediaTool inspects and shrinks videos. *ffmpeg.Tool implements it.
type MediaTool interface {
	HasVideoStream(ctx context.Context, path string) bool
	Compress(ctx context.Context, input string, opts ffmpeg.CompressOptions) (string, error)
}

// Marker records a completed delivery.
type Marker interface {
	MarkUploaded(ctx context.Context, postID, channelID, messageID string) error
}

// Item is one post ready for delivery.
type Item struct {
	Post   domain.Post
	Media  domain.Media
	Target telegram.Target
}

// Options tunes the pipeline.
type Options struct {
	ChunkDelay   time.Duration
	PostDelayMin time.Duration
	PostDelayMax time.Duration

	// LocalAPI raises the upload ceiling and turns off compression.
	LocalAPI bool

	SendAttempts  int
	SendBaseDelay time.Duration
	SendMaxDelay  time.Duration

	Compress ffmpeg.CompressOptions
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		ChunkDelay:    1500 * time.Millisecond,
		PostDelayMin:  5 * time.Second,
		PostDelayMax:  10 * time.Second,
		SendAttempts:  3,
		SendBaseDelay: 4 * time.Second,
		SendMaxDelay:  10 * time.Second,
		Compress:      ffmpeg.DefaultCompressOptions(),
	}
}

// Pipeline delivers items one at a time.
type Pipeline struct {
	channel Channel
	media   MediaTool
	ledger  Marker
	metrics *metrics.Metrics
	opts    Options
	logger  logging.Logger
}

// New creates a Pipeline. m may be nil.
func New(channel Channel, media MediaTool, ledger Marker, m *metrics.Metrics, opts Options, logger logging.Logger) *Pipeline {
	if opts.SendAttempts < 1 {
		opts.SendAttempts = 1
	}
	return &Pipeline{
		channel: channel,
		media:   media,
		ledger:  ledger,
		metrics: m,
		opts:    opts,
		logger:  logger,
	}
}

// Deliver sends one item and marks it uploaded. On failure the ledger is left
// untouched so the post is resumed on a later run.
func (p *Pipeline) Deliver(ctx context.Context, item Item) error {
	post := item.Post
	kind := item.Media.Kind()
	log := p.logger.WithFields(logging.Fields{
		"creator": post.Creator,
		"post_id": post.ID,
		"kind":    kind,
		"chat_id": item.Target.ChatID,
	})

	start := time.Now()
	messageID, err := p.send(ctx, item)
	p.metrics.ObserveUpload(string(kind), err == nil, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("deliver %s: %w", post.ID, err)
	}

	if err := p.ledger.MarkUploaded(ctx, post.ID, item.Target.ChatID, strconv.FormatInt(messageID, 10)); err != nil {
		return fmt.Errorf("deliver %s: %w", post.ID, err)
	}
	log.WithField("message_id", messageID).Info("post delivered")
	return nil
}

func (p *Pipeline) send(ctx context.Context, item Item) (int64, error) {
	caption := Caption(item.Post.Caption, item.Post.Creator)

	switch m := item.Media.(type) {
	case domain.Video:
		return p.sendVideo(ctx, item, m.Path, caption)
	case domain.Slideshow:
		return p.sendSlideshow(ctx, item, m, caption)
	default:
		return 0, fmt.Errorf("unknown media type %T", item.Media)
	}
}

func (p *Pipeline) sendVideo(ctx context.Context, item Item, path, caption string) (int64, error) {
	log := p.logger.WithField("post_id", item.Post.ID)

	if !p.media.HasVideoStream(ctx, path) {
		log.WithField("path", path).Warn("file has no video stream, sending as audio")
		return p.sendFile(ctx, "sendAudio", p.channel.SendAudio, item.Target, path, caption)
	}

	size, err := fileSize(path)
	if err != nil {
		return 0, err
	}

	switch {
	case p.opts.LocalAPI:
		if size > localUploadCeiling {
			log.WithField("size", size).Warn("video exceeds the local api ceiling, sending anyway")
		}
	case size > plainUploadCeiling:
		compressed, err := p.media.Compress(ctx, path, p.opts.Compress)
		if err != nil {
			log.WithError(err).Warn("compression failed, sending original")
		} else {
			path = compressed
		}
	}

	return p.sendFile(ctx, "sendVideo", p.channel.SendVideo, item.Target, path, caption)
}

type sendFunc func(ctx context.Context, to telegram.Target, path, caption string, t telegram.Timeouts) (*telegram.Message, error)

func (p *Pipeline) sendFile(ctx context.Context, op string, send sendFunc, to telegram.Target, path, caption string) (int64, error) {
	size, err := fileSize(path)
	if err != nil {
		return 0, err
	}
	timeouts := TimeoutsFor(size)

	msg, err := retry(ctx, p, op, func() (*telegram.Message, error) {
		return send(ctx, to, path, caption, timeouts)
	})
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// sendSlideshow sends the images in albums of at most AlbumLimit, then any
// background track as its own message. The caption goes on the first image
// only. The returned id is that of the first message.
func (p *Pipeline) sendSlideshow(ctx context.Context, item Item, s domain.Slideshow, caption string) (int64, error) {
	chunks := Chunk(s.Images, AlbumLimit)

	var first int64
	for i, chunk := range chunks {
		if i > 0 {
			if err := sleep(ctx, p.opts.ChunkDelay); err != nil {
				return 0, err
			}
		}

		chunkCaption := ""
		if i == 0 {
			chunkCaption = caption
		}

		id, err := p.sendChunk(ctx, item.Target, chunk, chunkCaption)
		if err != nil {
			return 0, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i == 0 {
			first = id
		}
	}

	if s.Audio != "" {
		if _, err := os.Stat(s.Audio); err != nil {
			p.logger.WithField("post_id", item.Post.ID).Debug("no audio track left on disk")
			return first, nil
		}
		if err := sleep(ctx, p.opts.ChunkDelay); err != nil {
			return first, nil
		}
		if _, err := p.sendFile(ctx, "sendAudio", p.channel.SendAudio, item.Target, s.Audio, ""); err != nil {
			p.logger.WithError(err).WithField("post_id", item.Post.ID).Warn("failed to send slideshow audio")
		}
	}
	return first, nil
}

func (p *Pipeline) sendChunk(ctx context.Context, to telegram.Target, paths []string, caption string) (int64, error) {
	if len(paths) == 1 {
		return p.sendFile(ctx, "sendPhoto", p.channel.SendPhoto, to, paths[0], caption)
	}

	var total int64
	items := make([]telegram.MediaItem, len(paths))
	for i, path := range paths {
		size, err := fileSize(path)
		if err != nil {
			return 0, err
		}
		total += size
		items[i] = telegram.MediaItem{Type: telegram.MediaPhoto, Path: path}
	}
	items[0].Caption = caption
	timeouts := TimeoutsFor(total)

	msgs, err := retry(ctx, p, "sendMediaGroup", func() ([]telegram.Message, error) {
		return p.channel.SendMediaGroup(ctx, to, items, timeouts)
	})
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, errors.New("sendMediaGroup returned no messages")
	}
	return msgs[0].MessageID, nil
}

// Chunk splits paths into consecutive groups of at most size.
func Chunk(paths []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(paths); start += size {
		end := min(start+size, len(paths))
		chunks = append(chunks, paths[start:end])
	}
	return chunks
}

// retry runs fn under the send retry policy. A flood-control reply waits
// out its retry_after before the next attempt.
func retry[T any](ctx context.Context, p *Pipeline, op string, fn func() (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return err != nil && retryableSend(err)
		}).
		WithBackoff(p.opts.SendBaseDelay, p.opts.SendMaxDelay).
		WithMaxRetries(p.opts.SendAttempts - 1).
		Build()

	var (
		attempt int
		lastErr error
	)
	result, err := failsafe.With[T](policy).WithContext(ctx).Get(func() (T, error) {
		attempt++
		result, err := fn()
		lastErr = err
		if err != nil {
			p.logger.WithError(err).WithFields(logging.Fields{"op": op, "attempt": attempt}).Warn("send failed")
			var apiErr *telegram.APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 && attempt < p.opts.SendAttempts {
				_ = sleep(ctx, apiErr.RetryAfter)
			}
		}
		return result, err
	})
	if err != nil && lastErr != nil {
		return result, lastErr
	}
	return result, err
}

func retryableSend(err error) bool {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return false
		}
	}
	return true
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RandomDelay returns a uniformly random duration in [lo, hi].
func RandomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
