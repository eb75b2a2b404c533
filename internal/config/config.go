// Package config loads and validates mist profiles.
//
// A configuration file is a TOML document with one table per profile:
//
//	[docs]
//	local_path  = "~/docs"
//	remote_host = "user@backup.example.com"
//	remote_path = "/srv/mist/docs"
//	recipient   = "3A9F..."
//
// The first existing file among the candidate locations wins, and a
// malformed or incomplete file fails the whole load. Path existence and
// remote reachability are checked at run time, not here.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
)

// fs is swapped for an afero.MemMapFs in tests.
var fs = afero.NewOsFs()

// Profile describes one synchronized directory pairing.
type Profile struct {
	Name        string   `toml:"-"`
	LocalPath   string   `toml:"local_path"`
	RemoteHost  string   `toml:"remote_host"`
	RemotePath  string   `toml:"remote_path"`
	Recipient   string   `toml:"recipient"`
	StagingPath string   `toml:"staging_path"`
	Exclude     []string `toml:"exclude"`
	GPGProgram  string   `toml:"gpg_program"`
}

// Configuration is the immutable result of a successful load.
type Configuration struct {
	// Path is the file the configuration was loaded from.
	Path string

	profiles map[string]Profile
}

// DefaultSearchPaths returns the candidate configuration locations in
// priority order.
func DefaultSearchPaths() []string {
	paths := []string{
		filepath.Join(xdg.ConfigHome, "mist", "mist.toml"),
	}
	if home, err := homedir.Dir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "mist.toml"),
			filepath.Join(home, ".mist.toml"),
		)
	}
	return paths
}

// Load reads the first existing file among searchPaths and parses it
// into a Configuration. It has no side effects beyond reading that file.
func Load(searchPaths []string) (*Configuration, error) {
	for _, path := range searchPaths {
		ok, err := afero.Exists(fs, path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if ok {
			return loadFile(path)
		}
	}
	return nil, ErrNoConfigFile
}

func loadFile(path string) (*Configuration, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if name, ok := duplicateTable(data); ok {
		return nil, &DuplicateProfileError{Name: name}
	}

	var raw map[string]Profile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	profiles := make(map[string]Profile, len(raw))
	for name, p := range raw {
		p.Name = name
		if err := expandPaths(&p); err != nil {
			return nil, err
		}
		if err := validate(p); err != nil {
			return nil, err
		}
		profiles[name] = p
	}

	return &Configuration{Path: path, profiles: profiles}, nil
}

// Lookup returns the profile with the given name. Matching is exact and
// case-sensitive.
func (c *Configuration) Lookup(name string) (Profile, error) {
	p, ok := c.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return p, nil
}

// Names returns all profile names in sorted order.
func (c *Configuration) Names() []string {
	names := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expandPaths(p *Profile) error {
	var err error
	if p.LocalPath != "" {
		if p.LocalPath, err = homedir.Expand(p.LocalPath); err != nil {
			return fmt.Errorf("expand local_path: %w", err)
		}
	}
	if p.StagingPath != "" {
		if p.StagingPath, err = homedir.Expand(p.StagingPath); err != nil {
			return fmt.Errorf("expand staging_path: %w", err)
		}
	}
	return nil
}

func validate(p Profile) error {
	required := []struct {
		field string
		value string
	}{
		{"local_path", p.LocalPath},
		{"remote_host", p.RemoteHost},
		{"remote_path", p.RemotePath},
		{"recipient", p.Recipient},
	}
	for _, r := range required {
		if r.value == "" {
			return &MissingFieldError{Profile: p.Name, Field: r.field}
		}
	}

	if p.StagingPath != "" {
		if p.StagingPath == p.LocalPath {
			return &InvalidFieldError{
				Profile: p.Name,
				Field:   "staging_path",
				Reason:  "must differ from local_path",
			}
		}
		if p.StagingPath == p.RemotePath {
			return &InvalidFieldError{
				Profile: p.Name,
				Field:   "staging_path",
				Reason:  "must differ from remote_path",
			}
		}
	}
	return nil
}

// duplicateTable scans for two top-level tables sharing a name. The TOML
// decoder rejects duplicates too, but with a generic syntax error; the
// scan lets the load fail with the profile name attached.
func duplicateTable(data []byte) (string, bool) {
	seen := map[string]bool{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "[") || strings.HasPrefix(line, "[[") {
			continue
		}
		end := strings.Index(line, "]")
		if end < 0 {
			continue
		}
		name := strings.TrimSpace(line[1:end])
		// Only top-level tables name profiles.
		if name == "" || strings.Contains(name, ".") {
			continue
		}
		if seen[name] {
			return name, true
		}
		seen[name] = true
	}
	return "", false
}
