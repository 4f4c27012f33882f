package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/extract"
)

const galleryBin = "gallery-dl"

var (
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true}
	videoExts = map[string]bool{".mp4": true, ".webm": true, ".mov": true, ".mkv": true}
	audioExts = map[string]bool{".m4a": true, ".mp3": true, ".aac": true}
)

// fetchGallery runs the image scraper into the post directory. A video in
// the output turns the post back into a video.
func (o *Orchestrator) fetchGallery(ctx context.Context, post domain.Post) Result {
	if !o.runner.Available(galleryBin) {
		return empty(fmt.Errorf("%s: %w", galleryBin, domain.ErrResourceUnavailable))
	}

	dir := o.postDir(post)
	if err := resetDir(dir); err != nil {
		return Result{Outcome: Retryable, Err: err}
	}

	_, stderr, err := o.runner.Run(ctx, galleryBin,
		"--directory", dir,
		"--filename", "{num}.{extension}",
		"--user-agent", extract.DefaultUserAgent,
		post.URL,
	)
	if err != nil {
		// A failed run may have written only some of the images.
		if rerr := os.RemoveAll(dir); rerr != nil {
			o.logger.WithError(rerr).WithField("post_id", post.ID).Warn("failed to clear partial gallery output")
		}
		if strings.Contains(strings.ToLower(string(stderr)), "no results for") {
			return Result{Outcome: Inaccessible, Err: fmt.Errorf("%s: %w", galleryBin, domain.ErrInaccessible)}
		}
		return resultFromErr(fmt.Errorf("%s: %w", galleryBin, extract.ClassifyToolError(err, string(stderr))))
	}

	images, videos, audio := scanPostDir(dir)
	if len(images) == 0 && len(videos) > 0 {
		path, terr := o.transcoder.Transcode(ctx, videos[0])
		if terr != nil {
			o.logger.WithError(terr).WithField("post_id", post.ID).Warn("transcode failed, keeping original")
		}
		return succeeded(domain.Video{Path: path})
	}
	if len(images) == 0 {
		return empty(fmt.Errorf("%s produced no images", galleryBin))
	}

	show := domain.Slideshow{Images: images}
	if len(audio) > 0 {
		show.Audio = audio[0]
	}
	return succeeded(show)
}

// resetDir empties dir so that a strategy only ever sees its own output.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear post dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create post dir: %w", err)
	}
	return nil
}

// scanPostDir lists the media files in dir by type, each in numeric order.
func scanPostDir(dir string) (images, videos, audio []string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		switch ext := strings.ToLower(filepath.Ext(e.Name())); {
		case imageExts[ext]:
			images = append(images, path)
		case videoExts[ext]:
			videos = append(videos, path)
		case audioExts[ext]:
			audio = append(audio, path)
		}
	}
	sortNumeric(images)
	sortNumeric(videos)
	sortNumeric(audio)
	return images, videos, audio
}

// sortNumeric orders paths by the number in their file stem so that 10.jpg
// follows 9.jpg. Stems that are not numbers sort after, by name.
func sortNumeric(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		a, aok := stemNumber(paths[i])
		b, bok := stemNumber(paths[j])
		switch {
		case aok && bok:
			return a < b
		case aok != bok:
			return aok
		default:
			return paths[i] < paths[j]
		}
	})
}

func stemNumber(path string) (int, bool) {
	base := filepath.Base(path)
	n, err := strconv.Atoi(strings.TrimSuffix(base, filepath.Ext(base)))
	return n, err == nil
}
