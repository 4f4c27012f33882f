package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the media shape of a post.
type Kind string

const (
	KindVideo     Kind = "video"
	KindSlideshow Kind = "slideshow"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindVideo || k == KindSlideshow
}

const (
	videoSegment = "/video/"
	photoSegment = "/photo/"
)

// Post represents one content item published by a tracked account.
type Post struct {
	// ID is the platform-unique post identifier.
	ID string

	// Creator is the account handle the post was listed under.
	Creator string

	// Kind is the declared media shape. It may be corrected by a download.
	Kind Kind

	// URL is the canonical post URL, in /video/ or /photo/ form.
	URL string

	// Caption is the post description, possibly empty.
	Caption string

	// CreatedAt is the publication time in epoch seconds, nil when unknown.
	CreatedAt *int64
}

// HasPhotoPath reports whether the URL already uses the photo path form.
func HasPhotoPath(url string) bool {
	return strings.Contains(url, photoSegment)
}

// PhotoURL returns the post URL rewritten to the photo path form. When the URL
// carries neither form, one is synthesized from the platform base and post id.
func PhotoURL(baseURL string, p Post) string {
	switch {
	case strings.Contains(p.URL, photoSegment):
		return p.URL
	case strings.Contains(p.URL, videoSegment):
		return strings.Replace(p.URL, videoSegment, photoSegment, 1)
	default:
		return fmt.Sprintf("%s/@%s/photo/%s", strings.TrimRight(baseURL, "/"), p.Creator, p.ID)
	}
}

// VideoURL returns the post URL rewritten to the video path form.
func VideoURL(baseURL string, p Post) string {
	switch {
	case strings.Contains(p.URL, videoSegment):
		return p.URL
	case strings.Contains(p.URL, photoSegment):
		return strings.Replace(p.URL, photoSegment, videoSegment, 1)
	default:
		return fmt.Sprintf("%s/@%s/video/%s", strings.TrimRight(baseURL, "/"), p.Creator, p.ID)
	}
}

// SortChronological orders posts oldest first. Posts without a creation time
// go last and keep their discovery order.
func SortChronological(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		a, b := posts[i].CreatedAt, posts[j].CreatedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
}

// Record is one persisted row of the state ledger.
type Record struct {
	PostID       string
	Creator      string
	Kind         Kind
	SourceURL    string
	CreatedAt    *int64
	DownloadedAt *time.Time
	UploadedAt   *time.Time
	ChannelID    string
	MessageID    string

	// Media is nil until the downloaded files are recorded.
	Media Media
}

// Post rebuilds the post the record was created from. Captions are not
// persisted, so resumed posts are delivered with the attribution only.
func (r Record) Post() Post {
	return Post{
		ID:        r.PostID,
		Creator:   r.Creator,
		Kind:      r.Kind,
		URL:       r.SourceURL,
		CreatedAt: r.CreatedAt,
	}
}
