// Package credentials manages the stored session cookie files used against
// the source platform.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/logging"
)

// Rotator holds an ordered, fixed set of credential files and a pointer to
// the current one. Rotation only happens when a caller asks for it.
type Rotator struct {
	mu     sync.Mutex
	files  []string
	index  int
	logger logging.Logger
}

// NewRotator scans dir for *.txt cookie files, restricts each to owner-only
// permissions and returns a rotator positioned on the first file. A missing
// or empty directory yields an empty rotator.
func NewRotator(dir string, logger logging.Logger) (*Rotator, error) {
	r := &Rotator{logger: logger}

	files, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("scan cookies dir: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		if err := os.Chmod(f, 0o600); err != nil {
			logger.WithError(err).WithField("path", f).Debug("could not restrict cookie file permissions")
		}
	}
	r.files = files

	if len(files) == 0 {
		logger.WithField("dir", dir).Warn("no cookie files found")
	} else {
		logger.WithField("count", len(files)).Info("loaded cookie files")
	}
	return r, nil
}

// NewStatic builds a rotator over an explicit list of files without touching
// the filesystem.
func NewStatic(files []string, logger logging.Logger) *Rotator {
	return &Rotator{files: append([]string(nil), files...), logger: logger}
}

// Len returns the number of known credentials.
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// Current returns the active credential, or the zero credential when none
// are configured.
func (r *Rotator) Current() domain.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked()
}

// Rotate advances to the next credential, wrapping around, and returns it.
func (r *Rotator) Rotate() domain.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.files) == 0 {
		return domain.Credential{}
	}
	r.index = (r.index + 1) % len(r.files)
	c := r.currentLocked()
	r.logger.WithField("path", c.Path).Info("rotated credential")
	return c
}

func (r *Rotator) currentLocked() domain.Credential {
	if len(r.files) == 0 {
		return domain.Credential{}
	}
	path := r.files[r.index]
	c := domain.Credential{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.WithError(err).WithField("path", path).Error("failed to read cookie file")
		return c
	}
	c.Cookie = strings.TrimSpace(string(data))
	return c
}
