package crypt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mist-sync/mist/internal/walker"
)

// GPG is a Gateway backed by the gpg binary. Every file becomes one
// armor-free ciphertext artifact; key material stays entirely inside
// the backend's keyring.
type GPG struct {
	program string

	// Overridden in tests.
	look func(file string) (string, error)
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewGPG returns a gateway invoking program, or "gpg" when empty.
func NewGPG(program string) *GPG {
	if program == "" {
		program = "gpg"
	}
	return &GPG{
		program: program,
		look:    exec.LookPath,
		run:     runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (g *GPG) available() error {
	if _, err := g.look(g.program); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// EncryptTree implements Gateway.
func (g *GPG) EncryptTree(ctx context.Context, src, dst, recipient string, excludes []string) error {
	if err := g.available(); err != nil {
		return err
	}
	if out, err := g.run(ctx, g.program, "--batch", "--list-keys", recipient); err != nil {
		log.WithField("output", strings.TrimSpace(string(out))).Debug("gpg key lookup failed")
		return fmt.Errorf("%w: %q", ErrKeyNotFound, recipient)
	}

	w, err := walker.New(src, excludes)
	if err != nil {
		return err
	}
	files, err := w.Walk()
	if err != nil {
		return err
	}

	// Refuse the whole tree before encrypting anything traversable.
	for _, f := range files {
		if !f.Regular() {
			return &UnsupportedFileTypeError{Path: f.RelPath}
		}
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		out := filepath.Join(dst, filepath.FromSlash(f.RelPath)+ArtifactSuffix)
		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return fmt.Errorf("create artifact directory: %w", err)
		}

		output, err := g.run(ctx, g.program,
			"--batch", "--yes", "--quiet",
			"--trust-model", "always",
			"--recipient", recipient,
			"--output", out,
			"--encrypt", f.Path,
		)
		if err != nil {
			return fmt.Errorf("encrypt %s: %v: %s", f.RelPath, err, strings.TrimSpace(string(output)))
		}
		log.WithField("path", f.RelPath).Debug("encrypted")
	}
	return nil
}

// DecryptTree implements Gateway. Artifacts are decrypted into a scratch
// directory first and installed into dst only after the whole tree
// succeeded, so a wrong key or corrupt artifact never leaves dst half
// overwritten.
func (g *GPG) DecryptTree(ctx context.Context, src, dst string) error {
	if err := g.available(); err != nil {
		return err
	}

	w, err := walker.New(src, nil)
	if err != nil {
		return err
	}
	files, err := w.Walk()
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "mist-decrypt-")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.WithError(err).WithField("path", scratch).
				Warn("failed to remove decrypt scratch directory")
		}
	}()

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !f.Regular() {
			return &UnsupportedFileTypeError{Path: f.RelPath}
		}
		if !strings.HasSuffix(f.RelPath, ArtifactSuffix) {
			return &DecryptError{Path: f.RelPath, Err: errors.New("not a ciphertext artifact")}
		}

		rel := strings.TrimSuffix(f.RelPath, ArtifactSuffix)
		out := filepath.Join(scratch, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return fmt.Errorf("create scratch subdirectory: %w", err)
		}

		output, err := g.run(ctx, g.program,
			"--batch", "--yes", "--quiet",
			"--output", out,
			"--decrypt", f.Path,
		)
		if err != nil {
			return &DecryptError{
				Path: f.RelPath,
				Err:  fmt.Errorf("%v: %s", err, strings.TrimSpace(string(output))),
			}
		}
		log.WithField("path", rel).Debug("decrypted")
	}

	return installTree(scratch, dst)
}

// installTree copies every file under src into dst, creating parent
// directories as needed. Copies rather than renames: dst is usually on
// a different filesystem than the scratch directory.
func installTree(src, dst string) error {
	w, err := walker.New(src, nil)
	if err != nil {
		return err
	}
	files, err := w.Walk()
	if err != nil {
		return err
	}

	for _, f := range files {
		target := filepath.Join(dst, filepath.FromSlash(f.RelPath))
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
		if err := copyFile(f.Path, target); err != nil {
			return fmt.Errorf("install %s: %w", f.RelPath, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
