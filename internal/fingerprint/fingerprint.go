// Package fingerprint summarizes a local tree's metadata so an
// unchanged tree can skip a push, and records the fingerprint of the
// last successful push per profile.
package fingerprint

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/afero"

	"github.com/mist-sync/mist/internal/checksum"
	"github.com/mist-sync/mist/internal/walker"
)

// Tree fingerprints the metadata (relative path, size, mtime) of every
// included file under root. Contents are not read; a matching
// fingerprint means "nothing worth re-encrypting", not a cryptographic
// identity.
func Tree(root string, excludes []string) (string, error) {
	w, err := walker.New(root, excludes)
	if err != nil {
		return "", err
	}
	files, err := w.Walk()
	if err != nil {
		return "", err
	}

	// Sort so the fingerprint is independent of walk order.
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })

	h := checksum.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%d\x00%d\x00", f.RelPath, f.Size, f.ModTime.Unix())
	}
	return checksum.Encode(h.Sum64()), nil
}

// Store persists per-profile fingerprints.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore returns a Store rooted at the user's state directory.
func NewStore() *Store {
	return &Store{
		fs:  afero.NewOsFs(),
		dir: filepath.Join(xdg.StateHome, "mist"),
	}
}

// NewStoreAt returns a Store rooted at dir on the given filesystem.
func NewStoreAt(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

func (s *Store) path(profile string) string {
	return filepath.Join(s.dir, profile+".sum")
}

// Load returns the recorded fingerprint for the profile, or "" if none
// was recorded yet.
func (s *Store) Load(profile string) (string, error) {
	data, err := afero.ReadFile(s.fs, s.path(profile))
	if err != nil {
		if ok, _ := afero.Exists(s.fs, s.path(profile)); !ok {
			return "", nil
		}
		return "", fmt.Errorf("read fingerprint: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save records the profile's fingerprint.
func (s *Store) Save(profile, sum string) error {
	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.path(profile), []byte(sum+"\n"), 0o600); err != nil {
		return fmt.Errorf("write fingerprint: %w", err)
	}
	return nil
}
