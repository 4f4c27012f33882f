package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Media is the result of a successful download. It is either a Video or a
// Slideshow.
type Media interface {
	// Kind returns the media shape the files were delivered as.
	Kind() Kind

	// Files lists every file path held by the media, in delivery order.
	Files() []string

	isMedia()
}

// Video is a single downloaded video file.
type Video struct {
	Path string
}

func (Video) Kind() Kind { return KindVideo }

func (v Video) Files() []string { return []string{v.Path} }

func (Video) isMedia() {}

// Slideshow is an ordered set of images with an optional background track.
type Slideshow struct {
	Images []string
	Audio  string
}

func (Slideshow) Kind() Kind { return KindSlideshow }

func (s Slideshow) Files() []string {
	files := make([]string, 0, len(s.Images)+1)
	files = append(files, s.Images...)
	if s.Audio != "" {
		files = append(files, s.Audio)
	}
	return files
}

func (Slideshow) isMedia() {}

var errEmptyMedia = errors.New("media holds no video and no images")

// ValidateMedia checks that m carries at least one deliverable file.
func ValidateMedia(m Media) error {
	switch v := m.(type) {
	case Video:
		if v.Path == "" {
			return errEmptyMedia
		}
	case Slideshow:
		if len(v.Images) == 0 {
			return errEmptyMedia
		}
	default:
		return fmt.Errorf("unknown media type %T", m)
	}
	return nil
}

// mediaJSON is the persisted form of Media. Keys mirror the bundle layout
// stored in older databases: "video", "images" and "audio".
type mediaJSON struct {
	Video  string   `json:"video,omitempty"`
	Images []string `json:"images,omitempty"`
	Audio  *string  `json:"audio,omitempty"`
}

// MarshalMedia serializes m for the ledger.
func MarshalMedia(m Media) ([]byte, error) {
	if err := ValidateMedia(m); err != nil {
		return nil, err
	}

	var raw mediaJSON
	switch v := m.(type) {
	case Video:
		raw.Video = v.Path
	case Slideshow:
		raw.Images = v.Images
		if v.Audio != "" {
			audio := v.Audio
			raw.Audio = &audio
		}
	}
	return json.Marshal(raw)
}

// UnmarshalMedia parses a ledger bundle. A bundle with images is a slideshow,
// one with only a video path is a video.
func UnmarshalMedia(data []byte) (Media, error) {
	var raw mediaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal media: %w", err)
	}

	switch {
	case len(raw.Images) > 0:
		s := Slideshow{Images: raw.Images}
		if raw.Audio != nil {
			s.Audio = *raw.Audio
		}
		return s, nil
	case raw.Video != "":
		return Video{Path: raw.Video}, nil
	default:
		return nil, errEmptyMedia
	}
}
