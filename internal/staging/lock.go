package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another invocation holds the
// profile lock. The holder's session is untouched; the caller should
// fail fast rather than wait.
var ErrAlreadyRunning = errors.New("another session is already running for this profile")

// Lock is a profile-scoped advisory lock backed by a lock file under
// the staging root.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the profile's lock without blocking.
func AcquireLock(root, profile string) (*Lock, error) {
	if root == "" {
		root = DefaultRoot()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}

	fl := flock.New(filepath.Join(root, profile+".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire profile lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, profile)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. The lock file itself is left behind; only the
// advisory lock matters.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
