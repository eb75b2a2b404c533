package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mist-sync/mist/internal/config"
	"github.com/mist-sync/mist/internal/crypt"
	"github.com/mist-sync/mist/internal/engine"
	"github.com/mist-sync/mist/internal/fingerprint"
	"github.com/mist-sync/mist/internal/staging"
)

const marker = "FAKE-CIPHERTEXT\n"

// fakeGateway "encrypts" by prefixing a marker and appending the
// artifact suffix, and reverses both on decrypt.
type fakeGateway struct {
	encryptCalls int
	decryptCalls int
	encryptErr   error
	decryptErr   error
}

func (g *fakeGateway) EncryptTree(_ context.Context, src, dst, recipient string, excludes []string) error {
	g.encryptCalls++
	if g.encryptErr != nil {
		return g.encryptErr
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel+crypt.ArtifactSuffix)
		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return err
		}
		return os.WriteFile(out, append([]byte(marker), data...), 0o600)
	})
}

func (g *fakeGateway) DecryptTree(_ context.Context, src, dst string) error {
	g.decryptCalls++
	if g.decryptErr != nil {
		return g.decryptErr
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, strings.TrimSuffix(rel, crypt.ArtifactSuffix))
		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return err
		}
		return os.WriteFile(out, []byte(strings.TrimPrefix(string(data), marker)), 0o600)
	})
}

// fakeEngine treats the SSH endpoint's path as a local directory.
type fakeEngine struct {
	mirrorCalls    int
	reconcileCalls int
	mirrorErr      error
	reconcileErr   error
}

func (e *fakeEngine) Mirror(_ context.Context, src, dst engine.Endpoint) error {
	e.mirrorCalls++
	if e.mirrorErr != nil {
		return e.mirrorErr
	}
	if err := os.RemoveAll(dst.Path); err != nil {
		return err
	}
	return copyTree(src.Path, dst.Path)
}

func (e *fakeEngine) RemoteExists(_ context.Context, remote engine.Endpoint) (bool, error) {
	entries, err := os.ReadDir(remote.Path)
	return err == nil && len(entries) > 0, nil
}

func (e *fakeEngine) Reconcile(_ context.Context, local string, remote engine.Endpoint) ([]string, error) {
	e.reconcileCalls++
	if e.reconcileErr != nil {
		return nil, e.reconcileErr
	}
	// Union both sides; local wins on conflicts.
	if err := copyMissing(remote.Path, local); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(remote.Path); err != nil {
		return nil, err
	}
	return nil, copyTree(local, remote.Path)
}

func copyTree(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return os.MkdirAll(dst, 0o700)
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return err
		}
		return os.WriteFile(out, data, 0o600)
	})
}

func copyMissing(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if _, err := os.Stat(out); err == nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return err
		}
		return os.WriteFile(out, data, 0o600)
	})
}

type fixture struct {
	gateway *fakeGateway
	engine  *fakeEngine
	prints  *fingerprint.Store
	profile config.Profile
	remote  string // the directory the fake engine mirrors to
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()

	local := filepath.Join(base, "local")
	require.NoError(t, os.MkdirAll(local, 0o700))

	return &fixture{
		gateway: &fakeGateway{},
		engine:  &fakeEngine{},
		profile: config.Profile{
			Name:        "docs",
			LocalPath:   local,
			RemoteHost:  "u@host",
			RemotePath:  filepath.Join(base, "remote"),
			Recipient:   "KEYID",
			StagingPath: filepath.Join(base, "stage"),
		},
		remote: filepath.Join(base, "remote"),
	}
}

func (f *fixture) session(mode Mode, opts Options) *Session {
	return NewSession(Deps{Gateway: f.gateway, Engine: f.engine, Prints: f.prints}, f.profile, mode, opts)
}

func (f *fixture) writeLocal(t *testing.T, rel, contents string) {
	t.Helper()
	path := filepath.Join(f.profile.LocalPath, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

// stagingDirs lists session directories left under the staging root.
func (f *fixture) stagingDirs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.profile.StagingPath)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs
}

func TestPush_MirrorsCiphertextOnly(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "a.txt", "alpha")
	f.writeLocal(t, "sub/b.txt", "beta")

	sess := f.session(ModePush, Options{})
	require.NoError(t, sess.Run(context.Background()))
	assert.Equal(t, StatusDone, sess.Status())

	// The remote holds one artifact per plaintext file and nothing else.
	var remoteFiles []string
	require.NoError(t, filepath.Walk(f.remote, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(f.remote, path)
		remoteFiles = append(remoteFiles, filepath.ToSlash(rel))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), marker), "plaintext leaked to remote: %s", rel)
		return nil
	}))
	assert.ElementsMatch(t, []string{"a.txt.gpg", "sub/b.txt.gpg"}, remoteFiles)

	assert.Empty(t, f.stagingDirs(t), "staging not cleaned up")
}

func TestPush_FailedEncryptionReachesNoTransport(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "a.txt", "alpha")
	f.gateway.encryptErr = &crypt.UnsupportedFileTypeError{Path: "weird.sock"}

	sess := f.session(ModePush, Options{})
	err := sess.Run(context.Background())

	var unsupported *crypt.UnsupportedFileTypeError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, StatusFailed, sess.Status())
	assert.Equal(t, 0, f.engine.mirrorCalls, "transport stage ran after failed encryption")
	assert.Empty(t, f.stagingDirs(t), "staging not cleaned up after failure")
}

func TestPush_EngineFailure(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "a.txt", "alpha")
	f.engine.mirrorErr = engine.ErrTransport

	sess := f.session(ModePush, Options{})
	err := sess.Run(context.Background())
	assert.ErrorIs(t, err, engine.ErrTransport)
	assert.Equal(t, StatusFailed, sess.Status())
	assert.Empty(t, f.stagingDirs(t))
}

func TestPush_SkipsWhenFingerprintUnchanged(t *testing.T) {
	f := newFixture(t)
	f.prints = fingerprint.NewStoreAt(afero.NewMemMapFs(), "/state")
	f.writeLocal(t, "a.txt", "alpha")
	ctx := context.Background()

	require.NoError(t, f.session(ModePush, Options{}).Run(ctx))
	require.Equal(t, 1, f.engine.mirrorCalls)

	// No local changes: the second push short-circuits before any
	// prompting, so no Confirm func is needed here.
	sess := f.session(ModePush, Options{})
	require.NoError(t, sess.Run(ctx))
	assert.Equal(t, StatusDone, sess.Status())
	assert.Equal(t, 1, f.engine.mirrorCalls)
	assert.Equal(t, 1, f.gateway.encryptCalls)

	// Force bypasses the short-circuit.
	require.NoError(t, f.session(ModePush, Options{Force: true, AssumeYes: true}).Run(ctx))
	assert.Equal(t, 2, f.engine.mirrorCalls)

	// A local change invalidates the record.
	f.writeLocal(t, "b.txt", "beta")
	require.NoError(t, f.session(ModePush, Options{AssumeYes: true}).Run(ctx))
	assert.Equal(t, 3, f.engine.mirrorCalls)
}

func TestPushThenPull_ReproducesTree(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "a.txt", "alpha")
	f.writeLocal(t, "sub/deep/b.bin", "\x00\x01\x02")
	ctx := context.Background()

	require.NoError(t, f.session(ModePush, Options{}).Run(ctx))

	// Pull into a fresh machine: same remote, empty local.
	g := newFixture(t)
	g.profile.RemotePath = f.profile.RemotePath
	g.remote = f.remote

	sess := g.session(ModePull, Options{})
	require.NoError(t, sess.Run(ctx))
	assert.Equal(t, StatusDone, sess.Status())

	for rel, want := range map[string]string{"a.txt": "alpha", "sub/deep/b.bin": "\x00\x01\x02"} {
		got, err := os.ReadFile(filepath.Join(g.profile.LocalPath, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, want, string(got), rel)
	}
}

func TestPull_DeclinedConfirmationRunsNothing(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "precious.txt", "do not touch")

	declined := false
	sess := f.session(ModePull, Options{
		Confirm: func(string) bool { declined = true; return false },
	})
	require.NoError(t, sess.Run(context.Background()))

	assert.True(t, declined)
	assert.Equal(t, StatusAborted, sess.Status())
	assert.Equal(t, 0, f.engine.mirrorCalls)
	assert.Equal(t, 0, f.gateway.decryptCalls)

	got, err := os.ReadFile(filepath.Join(f.profile.LocalPath, "precious.txt"))
	require.NoError(t, err)
	assert.Equal(t, "do not touch", string(got))
}

func TestPull_AssumeYesSkipsConfirmation(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "old.txt", "old")
	ctx := context.Background()

	// Seed the remote via a push from a second profile.
	src := newFixture(t)
	src.profile.RemotePath = f.profile.RemotePath
	src.writeLocal(t, "new.txt", "new")
	require.NoError(t, src.session(ModePush, Options{}).Run(ctx))

	sess := f.session(ModePull, Options{AssumeYes: true})
	require.NoError(t, sess.Run(ctx))

	got, err := os.ReadFile(filepath.Join(f.profile.LocalPath, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestSync_MergesRemoteChanges(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "local.txt", "from local")
	ctx := context.Background()

	// Another machine pushed its own file to the same remote.
	other := newFixture(t)
	other.profile.RemotePath = f.profile.RemotePath
	other.writeLocal(t, "remote.txt", "from remote")
	require.NoError(t, other.session(ModePush, Options{}).Run(ctx))

	sess := f.session(ModeSync, Options{})
	require.NoError(t, sess.Run(ctx))
	assert.Equal(t, StatusDone, sess.Status())
	assert.Equal(t, 1, f.engine.reconcileCalls)

	// Local gained the remote file and kept its own.
	for rel, want := range map[string]string{"local.txt": "from local", "remote.txt": "from remote"} {
		got, err := os.ReadFile(filepath.Join(f.profile.LocalPath, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, want, string(got), rel)
	}

	// The remote gained the local file, as ciphertext.
	data, err := os.ReadFile(filepath.Join(f.remote, "local.txt.gpg"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), marker))
}

func TestPush_ConfirmsBeforeOverwritingRemote(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "a.txt", "alpha")
	ctx := context.Background()

	// The first push finds no remote content, so no prompt fires.
	prompted := 0
	confirm := func(prompt string) bool {
		prompted++
		assert.Contains(t, prompt, "Remote storage")
		return false
	}
	require.NoError(t, f.session(ModePush, Options{Confirm: confirm}).Run(ctx))
	assert.Equal(t, 0, prompted)
	require.Equal(t, 1, f.engine.mirrorCalls)

	// The remote now has content; a declined prompt stops the push
	// before anything is encrypted or transferred.
	f.writeLocal(t, "b.txt", "beta")
	sess := f.session(ModePush, Options{Confirm: confirm})
	require.NoError(t, sess.Run(ctx))
	assert.Equal(t, 1, prompted)
	assert.Equal(t, StatusAborted, sess.Status())
	assert.Equal(t, 1, f.engine.mirrorCalls)
	assert.Equal(t, 1, f.gateway.encryptCalls)

	// Accepting lets the overwrite proceed.
	accept := func(string) bool { return true }
	sess = f.session(ModePush, Options{Confirm: accept})
	require.NoError(t, sess.Run(ctx))
	assert.Equal(t, StatusDone, sess.Status())
	assert.Equal(t, 2, f.engine.mirrorCalls)
}

func TestPush_AssumeYesSkipsRemotePrompt(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "a.txt", "alpha")
	ctx := context.Background()

	require.NoError(t, f.session(ModePush, Options{AssumeYes: true}).Run(ctx))

	f.writeLocal(t, "b.txt", "beta")
	confirm := func(string) bool {
		t.Fatal("prompted despite --assume-yes")
		return false
	}
	require.NoError(t, f.session(ModePush, Options{AssumeYes: true, Confirm: confirm}).Run(ctx))
	assert.Equal(t, 2, f.engine.mirrorCalls)
}

func TestSync_RejectsS3RemoteBeforeStaging(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "a.txt", "alpha")
	f.profile.RemoteHost = "s3://vault"
	f.profile.RemotePath = "docs"

	sess := f.session(ModeSync, Options{})
	err := sess.Run(context.Background())
	assert.ErrorIs(t, err, engine.ErrBidirectionalUnsupported)
	assert.Equal(t, StatusFailed, sess.Status())
	assert.Equal(t, 0, f.gateway.encryptCalls, "local tree encrypted for a reconcile that cannot run")
	assert.Equal(t, 0, f.engine.reconcileCalls)
}

func TestRun_LockContention(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "a.txt", "alpha")

	held, err := staging.AcquireLock(f.profile.StagingPath, f.profile.Name)
	require.NoError(t, err)
	defer held.Release()

	sess := f.session(ModePush, Options{})
	err = sess.Run(context.Background())
	assert.ErrorIs(t, err, staging.ErrAlreadyRunning)
	assert.Equal(t, StatusFailed, sess.Status())
	assert.Equal(t, 0, f.gateway.encryptCalls)
}

func TestRun_InvalidRemote(t *testing.T) {
	f := newFixture(t)
	f.profile.RemoteHost = ""

	sess := f.session(ModePush, Options{})
	err := sess.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, sess.Status())
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(t, "a.txt", "alpha")
	f.engine.mirrorErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess := f.session(ModePush, Options{})
	err := sess.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StatusFailed, sess.Status())
	assert.Empty(t, f.stagingDirs(t), "staging must be cleaned up on cancellation")
}
