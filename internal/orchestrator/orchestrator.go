// Package orchestrator sequences one synchronization session: staging
// acquisition, encryption gateway calls and sync-engine invocation in
// the order the selected mode demands, with staging guaranteed to be
// released on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/mist-sync/mist/internal/config"
	"github.com/mist-sync/mist/internal/crypt"
	"github.com/mist-sync/mist/internal/engine"
	"github.com/mist-sync/mist/internal/fingerprint"
	"github.com/mist-sync/mist/internal/staging"
)

// Mode selects what a session does.
type Mode int

const (
	// ModeSync bidirectionally reconciles local and remote via the
	// ciphertext staging tree.
	ModeSync Mode = iota
	// ModePush mirrors local plaintext to remote ciphertext.
	ModePush
	// ModePull mirrors remote ciphertext to local plaintext.
	ModePull
)

func (m Mode) String() string {
	switch m {
	case ModePush:
		return "push"
	case ModePull:
		return "pull"
	default:
		return "sync"
	}
}

// Status is a session's lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusStaging      Status = "staging"
	StatusTransporting Status = "transporting"
	StatusReconciling  Status = "reconciling"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
	// StatusAborted means the user declined a confirmation prompt.
	// Nothing was transferred; Run still returns nil since a declined
	// prompt is a user decision, not a failure.
	StatusAborted Status = "aborted"
)

// errAborted flows a declined confirmation out of a mode pipeline.
// It never escapes Run.
var errAborted = errors.New("aborted by user")

// Deps are the collaborators a session drives. Prints may be nil to
// disable the push short-circuit.
type Deps struct {
	Gateway crypt.Gateway
	Engine  engine.Engine
	Prints  *fingerprint.Store
}

// Options tune a single run.
type Options struct {
	// AssumeYes suppresses interactive confirmations.
	AssumeYes bool
	// Force disables the up-to-date short-circuit for Push.
	Force bool
	// Confirm asks the user a yes/no question. Nil declines.
	Confirm func(prompt string) bool
}

// Session is one invocation's runtime state. It exclusively owns its
// staging area for the duration of Run.
type Session struct {
	deps    Deps
	profile config.Profile
	mode    Mode
	opts    Options

	status  Status
	failure error
}

// NewSession prepares a session; nothing is acquired until Run.
func NewSession(deps Deps, profile config.Profile, mode Mode, opts Options) *Session {
	return &Session{
		deps:    deps,
		profile: profile,
		mode:    mode,
		opts:    opts,
		status:  StatusIdle,
	}
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status { return s.status }

// Failure returns the error that moved the session to StatusFailed.
func (s *Session) Failure() error { return s.failure }

// Run executes the session to a terminal status. Every error is
// terminal for this invocation; retries are the caller's decision.
func (s *Session) Run(ctx context.Context) error {
	logger := log.WithFields(log.Fields{"profile": s.profile.Name, "mode": s.mode.String()})

	remote, err := engine.ParseRemote(s.profile.RemoteHost, s.profile.RemotePath)
	if err != nil {
		return s.fail(fmt.Errorf("resolve remote: %w", err))
	}
	if s.mode == ModeSync && remote.Kind == engine.KindS3 {
		// Must fail before the lock and staging stages; no encryption
		// work may start for a reconcile that cannot run.
		return s.fail(fmt.Errorf("%s: %w", remote.String(), engine.ErrBidirectionalUnsupported))
	}

	lock, err := staging.AcquireLock(s.profile.StagingPath, s.profile.Name)
	if err != nil {
		// On contention nothing was acquired, so nothing is torn down.
		return s.fail(err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.WithError(err).Warn("failed to release profile lock")
		}
	}()

	area, err := staging.Acquire(s.profile.StagingPath, s.profile.Name)
	if err != nil {
		return s.fail(fmt.Errorf("acquire staging: %w", err))
	}
	defer area.Release()

	logger.WithField("staging", area.Path()).Info("session started")

	switch s.mode {
	case ModePush:
		err = s.push(ctx, area, remote)
	case ModePull:
		err = s.pull(ctx, area, remote)
	default:
		err = s.sync(ctx, area, remote)
	}
	if errors.Is(err, errAborted) {
		s.status = StatusAborted
		logger.Info("session aborted by user")
		return nil
	}
	if err != nil {
		return s.fail(err)
	}

	s.status = StatusDone
	logger.Info("session complete")
	return nil
}

func (s *Session) fail(err error) error {
	s.status = StatusFailed
	s.failure = err
	if errors.Is(err, context.Canceled) {
		log.WithField("profile", s.profile.Name).Warn("session cancelled")
	} else {
		log.WithError(err).WithField("profile", s.profile.Name).Error("session failed")
	}
	return err
}

func (s *Session) push(ctx context.Context, area *staging.Area, remote engine.Endpoint) error {
	if s.upToDate() {
		log.WithField("profile", s.profile.Name).Info("already up to date")
		return nil
	}

	// A mirror deletes remote extras, so an already-populated remote is
	// only overwritten with the user's consent.
	if !s.opts.AssumeYes && s.remoteExists(ctx, remote) {
		if !s.confirm(fmt.Sprintf("Remote storage %s exists: overwrite?", remote.String())) {
			return errAborted
		}
	}

	s.status = StatusStaging
	if err := s.deps.Gateway.EncryptTree(ctx, s.profile.LocalPath, area.Path(),
		s.profile.Recipient, s.profile.Exclude); err != nil {
		return err
	}

	s.status = StatusTransporting
	if err := s.deps.Engine.Mirror(ctx, engine.Local(area.Path()), remote); err != nil {
		return err
	}

	s.recordFingerprint()
	return nil
}

func (s *Session) pull(ctx context.Context, area *staging.Area, remote engine.Endpoint) error {
	if nonEmptyDir(s.profile.LocalPath) && !s.opts.AssumeYes {
		if !s.confirm(fmt.Sprintf("Local directory %s exists: overwrite?", s.profile.LocalPath)) {
			return errAborted
		}
	}

	s.status = StatusTransporting
	if err := s.deps.Engine.Mirror(ctx, remote, engine.Local(area.Path())); err != nil {
		return err
	}

	s.status = StatusStaging
	if err := os.MkdirAll(s.profile.LocalPath, 0o700); err != nil {
		return fmt.Errorf("create local directory: %w", err)
	}
	return s.deps.Gateway.DecryptTree(ctx, area.Path(), s.profile.LocalPath)
}

func (s *Session) sync(ctx context.Context, area *staging.Area, remote engine.Endpoint) error {
	s.status = StatusStaging
	if err := s.deps.Gateway.EncryptTree(ctx, s.profile.LocalPath, area.Path(),
		s.profile.Recipient, s.profile.Exclude); err != nil {
		return err
	}

	s.status = StatusReconciling
	changed, err := s.deps.Engine.Reconcile(ctx, area.Path(), remote)
	if err != nil {
		return err
	}
	if changed != nil {
		log.WithField("changed", len(changed)).Debug("engine reported changes")
	}

	// Decrypting the whole staged tree is simpler than chasing the
	// engine's changed-file list and always correct.
	s.status = StatusStaging
	if err := s.deps.Gateway.DecryptTree(ctx, area.Path(), s.profile.LocalPath); err != nil {
		return err
	}

	s.recordFingerprint()
	return nil
}

// upToDate reports whether the local tree's fingerprint matches the
// last successful push, meaning there is nothing new to send.
func (s *Session) upToDate() bool {
	if s.deps.Prints == nil || s.opts.Force {
		return false
	}

	current, err := fingerprint.Tree(s.profile.LocalPath, s.profile.Exclude)
	if err != nil {
		log.WithError(err).Debug("fingerprint unavailable")
		return false
	}
	last, err := s.deps.Prints.Load(s.profile.Name)
	if err != nil {
		log.WithError(err).Debug("recorded fingerprint unavailable")
		return false
	}
	return last != "" && last == current
}

// recordFingerprint is best effort; a failed record only costs a
// redundant future push.
func (s *Session) recordFingerprint() {
	if s.deps.Prints == nil {
		return
	}
	sum, err := fingerprint.Tree(s.profile.LocalPath, s.profile.Exclude)
	if err == nil {
		err = s.deps.Prints.Save(s.profile.Name, sum)
	}
	if err != nil {
		log.WithError(err).Warn("failed to record tree fingerprint")
	}
}

// confirm asks the user; a nil Confirm declines.
func (s *Session) confirm(prompt string) bool {
	return s.opts.Confirm != nil && s.opts.Confirm(prompt)
}

// remoteExists checks the remote when the engine can list it. The check
// is advisory; an engine without the capability, or a failed listing,
// just skips the overwrite prompt.
func (s *Session) remoteExists(ctx context.Context, remote engine.Endpoint) bool {
	lister, ok := s.deps.Engine.(engine.Lister)
	if !ok {
		return false
	}
	exists, err := lister.RemoteExists(ctx, remote)
	if err != nil {
		log.WithError(err).Debug("remote listing failed")
		return false
	}
	return exists
}

func nonEmptyDir(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}
