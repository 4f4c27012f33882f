package delivery

import "unicode/utf8"

const (
	// CaptionLimit is the channel's caption budget in characters.
	CaptionLimit = 1024

	ellipsis = "..."
)

// Attribution is the suffix appended to every caption.
func Attribution(creator string) string {
	return "\n\n— @" + creator
}

// Caption joins body and the creator attribution. When the result would
// exceed CaptionLimit the body is cut and an ellipsis placed before the
// attribution, so the result is never longer than the limit.
func Caption(body, creator string) string {
	suffix := Attribution(creator)
	if utf8.RuneCountInString(body)+utf8.RuneCountInString(suffix) <= CaptionLimit {
		return body + suffix
	}

	keep := CaptionLimit - utf8.RuneCountInString(suffix) - len(ellipsis)
	if keep < 0 {
		keep = 0
	}
	return string([]rune(body)[:keep]) + ellipsis + suffix
}
