package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/blackmichael/tokrelay/internal/domain"
)

// Script tags holding page state, tried in order.
const (
	sigiStateID     = "SIGI_STATE"
	rehydrationID   = "__UNIVERSAL_DATA_FOR_REHYDRATION__"
	itemStructField = "itemStruct"
)

var errNoState = errors.New("page has no embedded state")

// embeddedMedia is what the page state exposes for a photo post.
type embeddedMedia struct {
	Images []string
	Audio  string
}

// parseEmbedded reads a post page and recovers its image and audio URLs.
// It returns errNoState when no known state block parses, and an error
// wrapping domain.ErrInaccessible when the state parses but lacks the post.
func parseEmbedded(r io.Reader, postID string) (embeddedMedia, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return embeddedMedia{}, fmt.Errorf("parse html: %w", err)
	}

	parsed := false
	for _, id := range []string{sigiStateID, rehydrationID} {
		state, ok := scriptJSON(doc, id)
		if !ok {
			continue
		}
		parsed = true

		var item map[string]any
		if id == sigiStateID {
			item = sigiItem(state, postID)
		} else {
			item = findItemStruct(state, postID)
		}
		if item != nil {
			return mediaFromItem(item), nil
		}
	}

	if !parsed {
		return embeddedMedia{}, errNoState
	}
	return embeddedMedia{}, fmt.Errorf("post %s absent from page state: %w", postID, domain.ErrInaccessible)
}

func scriptJSON(doc *goquery.Document, id string) (map[string]any, bool) {
	payload := strings.TrimSpace(doc.Find(fmt.Sprintf(`script[id=%q]`, id)).First().Text())
	if payload == "" {
		return nil, false
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, false
	}
	return state, true
}

func sigiItem(state map[string]any, postID string) map[string]any {
	module, ok := state["ItemModule"].(map[string]any)
	if !ok {
		return nil
	}
	item, _ := module[postID].(map[string]any)
	return item
}

// findItemStruct walks the rehydration blob for the itemStruct of postID.
func findItemStruct(state map[string]any, postID string) map[string]any {
	stack := []any{state}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch v := cur.(type) {
		case map[string]any:
			if item, ok := v[itemStructField].(map[string]any); ok {
				if id, _ := item["id"].(string); id == "" || id == postID {
					return item
				}
			}
			for _, k := range sortedKeys(v) {
				stack = append(stack, v[k])
			}
		case []any:
			stack = append(stack, v...)
		}
	}
	return nil
}

func mediaFromItem(item map[string]any) embeddedMedia {
	var out embeddedMedia

	imagePost, _ := firstOf(item, "imagePost", "image_post").(map[string]any)
	images, _ := firstOf(imagePost, "images").([]any)
	if images == nil {
		images, _ = item["images"].([]any)
	}

	seen := make(map[string]struct{}, len(images))
	for _, img := range images {
		var u string
		if m, ok := img.(map[string]any); ok {
			if v := firstOf(m, "imageURL", "imageUrl", "urlList"); v != nil {
				u = firstHTTPURL(v)
			} else {
				u = firstHTTPURL(m)
			}
		} else {
			u = firstHTTPURL(img)
		}
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out.Images = append(out.Images, u)
	}

	if music, ok := item["music"].(map[string]any); ok {
		out.Audio = firstHTTPURL(firstOf(music, "playUrl", "play_url"))
	}
	return out
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

var urlKeys = []string{"url", "urlList", "url_list", "UrlList", "playUrl", "play_url", "downloadAddr", "playAddr"}

// firstHTTPURL returns the first http(s) URL found in a nested value,
// looking at the usual URL-list keys before anything else.
func firstHTTPURL(v any) string {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "http") {
			return t
		}
	case []any:
		for _, e := range t {
			if u := firstHTTPURL(e); u != "" {
				return u
			}
		}
	case map[string]any:
		for _, k := range urlKeys {
			if e, ok := t[k]; ok {
				if u := firstHTTPURL(e); u != "" {
					return u
				}
			}
		}
		for _, k := range sortedKeys(t) {
			if u := firstHTTPURL(t[k]); u != "" {
				return u
			}
		}
	}
	return ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
