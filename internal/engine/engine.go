// Package engine defines the sync-engine port the orchestrator drives,
// plus the endpoint model shared by its implementations. The engines
// are opaque collaborators: they decide what to transfer, this package
// only invokes them and classifies their failures.
package engine

import (
	"context"
	"errors"
)

// Engine reconciles directory trees, one side possibly remote.
type Engine interface {
	// Mirror makes dst an exact copy of src (one-way, deletes extras).
	Mirror(ctx context.Context, src, dst Endpoint) error

	// Reconcile bidirectionally reconciles a local tree with the remote,
	// using the engine's own conflict policy. The returned paths are the
	// files the engine changed; nil means the engine cannot tell, and the
	// caller must assume everything may have changed.
	Reconcile(ctx context.Context, local string, remote Endpoint) ([]string, error)
}

// Lister is an optional capability: engines that can cheaply list the
// remote implement it so callers can warn before overwriting existing
// content. Engines without it skip that safeguard.
type Lister interface {
	// RemoteExists reports whether the remote endpoint already holds
	// any entries.
	RemoteExists(ctx context.Context, remote Endpoint) (bool, error)
}

var (
	// ErrTransport covers connectivity failures reaching the remote side.
	ErrTransport = errors.New("transport failure")

	// ErrEngineFailure covers the engine reporting a failed run.
	ErrEngineFailure = errors.New("sync engine failure")

	// ErrBidirectionalUnsupported is returned by engines that can only
	// mirror, such as the S3 mirror engine.
	ErrBidirectionalUnsupported = errors.New("bidirectional sync is not supported for this remote")
)
