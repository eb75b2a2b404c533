// Package staging manages the ephemeral directory a sync session stages
// ciphertext in, and the profile-scoped lock that keeps two sessions
// from sharing it.
package staging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Area is a session-exclusive staging directory. It is created by
// Acquire and must be removed by Release on every exit path of the
// owning session.
type Area struct {
	path     string
	released bool
}

// DefaultRoot returns the staging root used when a profile does not
// configure one.
func DefaultRoot() string {
	return filepath.Join(os.TempDir(), "mist")
}

// Acquire creates a fresh staging directory for the named profile under
// root, readable only by the invoking user.
func Acquire(root, profile string) (*Area, error) {
	if root == "" {
		root = DefaultRoot()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}

	path := filepath.Join(root, fmt.Sprintf("%s-%s", profile, uuid.NewString()))
	if err := os.Mkdir(path, 0o700); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	log.WithField("path", path).Debug("staging directory acquired")
	return &Area{path: path}, nil
}

// Path returns the staging directory.
func (a *Area) Path() string { return a.path }

// Release recursively deletes the staging directory. It is idempotent,
// and deletion failures are logged rather than escalated so cleanup
// never masks the session's real outcome.
func (a *Area) Release() {
	if a.released {
		return
	}
	a.released = true

	if err := os.RemoveAll(a.path); err != nil {
		log.WithError(err).WithField("path", a.path).
			Warn("failed to remove staging directory")
		return
	}
	log.WithField("path", a.path).Debug("staging directory released")
}
