package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SSH drives the external engines for shell-reachable remotes: rsync
// for one-way mirrors, unison for bidirectional reconciliation. Both
// binaries run locally; the remote side only needs their counterparts
// plus a shell.
type SSH struct {
	// Overridden in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewSSH returns the engine for SSH remotes.
func NewSSH() *SSH {
	return &SSH{run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Mirror implements Engine via rsync. The source's contents replace the
// destination's, extras deleted.
func (s *SSH) Mirror(ctx context.Context, src, dst Endpoint) error {
	if src.Kind == KindS3 || dst.Kind == KindS3 {
		return fmt.Errorf("%w: S3 endpoint passed to SSH engine", ErrEngineFailure)
	}

	args := []string{"--archive", "--compress", "--delete", "--mkpath"}
	args = append(args, rsyncArg(src)+"/", rsyncArg(dst))

	log.WithFields(log.Fields{"src": src.String(), "dst": dst.String()}).Debug("rsync mirror")
	out, err := s.run(ctx, "rsync", args...)
	if err != nil {
		return classifyRsync(err, out)
	}
	return nil
}

func rsyncArg(e Endpoint) string {
	if e.Kind == KindSSH {
		return e.Host + ":" + e.Path
	}
	return e.Path
}

// Reconcile implements Engine via unison in batch mode. Unison applies
// its own conflict policy; its output is not parsed for a changed-file
// list, so nil is returned and callers must treat the whole local tree
// as possibly changed.
func (s *SSH) Reconcile(ctx context.Context, local string, remote Endpoint) ([]string, error) {
	if remote.Kind != KindSSH {
		return nil, ErrBidirectionalUnsupported
	}

	root := "ssh://" + remote.Host + "/" + remote.Path
	log.WithFields(log.Fields{"local": local, "remote": root}).Debug("unison reconcile")

	out, err := s.run(ctx, "unison", local, root, "-batch", "-terse")
	if err != nil {
		return nil, classifyUnison(err, out)
	}
	return nil, nil
}

// RemoteExists implements Lister with a directory listing over ssh.
// A failed listing counts as absent; a real transport problem surfaces
// on the transfer itself.
func (s *SSH) RemoteExists(ctx context.Context, remote Endpoint) (bool, error) {
	if remote.Kind != KindSSH {
		return false, fmt.Errorf("%w: non-SSH endpoint passed to SSH engine", ErrEngineFailure)
	}

	out, err := s.run(ctx, "ssh", remote.Host, "ls", "-A", "--", remote.Path)
	if err != nil {
		return false, nil
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

// rsync exit codes: 255 is an ssh/connection failure, 30 and 35 are
// I/O and connection timeouts, 10-12 are socket/protocol stream errors.
// Everything else is the engine itself failing.
func classifyRsync(err error, out []byte) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("rsync: %w: %s", classifyRsyncExit(exitErr.ExitCode()), firstLine(out))
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: rsync: %v", ErrEngineFailure, err)
	}
	return fmt.Errorf("rsync: %w: %v", ErrEngineFailure, err)
}

func classifyRsyncExit(code int) error {
	switch code {
	case 10, 11, 12, 30, 35, 255:
		return ErrTransport
	default:
		return ErrEngineFailure
	}
}

// unison exits 0 on success, 1 when some files were skipped, 2 on
// non-fatal failures and 3 on a fatal error. Anything nonzero means the
// trees may not be fully reconciled, so all of them fail the session.
func classifyUnison(err error, out []byte) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("unison exited %d: %w: %s",
			exitErr.ExitCode(), ErrEngineFailure, firstLine(out))
	}
	return fmt.Errorf("unison: %w: %v", ErrEngineFailure, err)
}

func firstLine(out []byte) string {
	text := strings.TrimSpace(string(out))
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return text
}
