package extract

import (
	"fmt"
	"strings"

	"github.com/blackmichael/tokrelay/internal/domain"
)

var (
	rateLimitMarkers = []string{"http error 429", "too many requests"}
	blockMarkers     = []string{"http error 403", "ip address is blocked", "ip blocked", "your ip"}
	noFormatMarkers  = []string{"requested format is not available", "no video formats found", "no formats found"}
	goneMarkers      = []string{
		"video unavailable",
		"this post is private",
		"private video",
		"has been removed",
		"not available in your",
		"status code 10204",
		"does not exist",
		"no results for",
	}
)

// ClassifyToolError maps a tool failure and its stderr onto the error
// taxonomy. The returned error wraps both the taxonomy sentinel and err.
func ClassifyToolError(err error, stderr string) error {
	msg := strings.ToLower(stderr + " " + err.Error())

	var kind error
	switch {
	case containsAny(msg, rateLimitMarkers):
		kind = domain.ErrRateLimited
	case containsAny(msg, blockMarkers):
		kind = domain.ErrHardBlocked
	case containsAny(msg, noFormatMarkers):
		kind = domain.ErrNoFormats
	case containsAny(msg, goneMarkers):
		kind = domain.ErrInaccessible
	default:
		kind = domain.ErrRetryable
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
