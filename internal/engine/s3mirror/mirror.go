// Package s3mirror is the native sync engine for s3:// remotes: a
// strict one-way mirror between a local directory and a bucket prefix,
// compared by size and CRC64NVME checksum.
package s3mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mist-sync/mist/internal/checksum"
	"github.com/mist-sync/mist/internal/engine"
	"github.com/mist-sync/mist/internal/walker"
)

const defaultConcurrency = 8

// Engine implements engine.Engine for S3 remotes. Mirroring works in
// either direction; bidirectional reconciliation does not exist here.
type Engine struct {
	client      Client
	concurrency int
}

func New(client Client, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Engine{client: client, concurrency: concurrency}
}

// Mirror implements engine.Engine.
func (e *Engine) Mirror(ctx context.Context, src, dst engine.Endpoint) error {
	switch {
	case src.Kind == engine.KindLocal && dst.Kind == engine.KindS3:
		return e.push(ctx, src.Path, dst.Bucket, dst.Path)
	case src.Kind == engine.KindS3 && dst.Kind == engine.KindLocal:
		return e.pull(ctx, src.Bucket, src.Path, dst.Path)
	default:
		return fmt.Errorf("%w: S3 engine needs one local and one s3 endpoint", engine.ErrEngineFailure)
	}
}

// Reconcile implements engine.Engine. S3 objects carry no merge
// semantics, so only one-way mirrors are offered.
func (e *Engine) Reconcile(ctx context.Context, local string, remote engine.Endpoint) ([]string, error) {
	return nil, engine.ErrBidirectionalUnsupported
}

// RemoteExists implements engine.Lister by listing the bucket prefix.
func (e *Engine) RemoteExists(ctx context.Context, remote engine.Endpoint) (bool, error) {
	if remote.Kind != engine.KindS3 {
		return false, fmt.Errorf("%w: S3 engine needs an s3 endpoint", engine.ErrEngineFailure)
	}

	items, err := e.gatherRemote(ctx, remote.Bucket, remote.Path)
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

func (e *Engine) push(ctx context.Context, localPath, bucket, prefix string) error {
	local, err := gatherLocal(localPath)
	if err != nil {
		return err
	}
	remote, err := e.gatherRemote(ctx, bucket, prefix)
	if err != nil {
		return err
	}

	cmp := Compare(local, remote)
	differing, err := e.resolveChecksums(ctx, cmp.NeedChecksum, localPath, bucket, prefix)
	if err != nil {
		return err
	}
	plan := BuildPlan(cmp, differing)
	log.WithFields(log.Fields{"dst": "s3://" + bucket, "transfers": len(plan)}).Debug("push plan ready")

	return e.execute(ctx, plan, func(ctx context.Context, t Transfer) error {
		key := joinKey(prefix, t.Path)
		switch t.Action {
		case ActionCopy:
			return e.upload(ctx, filepath.Join(localPath, filepath.FromSlash(t.Path)), bucket, key, t.Size)
		case ActionDelete:
			return e.client.DeleteObject(ctx, bucket, key)
		}
		return nil
	})
}

func (e *Engine) pull(ctx context.Context, bucket, prefix, localPath string) error {
	remote, err := e.gatherRemote(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	local, err := gatherLocal(localPath)
	if err != nil {
		return err
	}

	cmp := Compare(remote, local)
	differing, err := e.resolveChecksums(ctx, cmp.NeedChecksum, localPath, bucket, prefix)
	if err != nil {
		return err
	}
	plan := BuildPlan(cmp, differing)
	log.WithFields(log.Fields{"src": "s3://" + bucket, "transfers": len(plan)}).Debug("pull plan ready")

	return e.execute(ctx, plan, func(ctx context.Context, t Transfer) error {
		target := filepath.Join(localPath, filepath.FromSlash(t.Path))
		switch t.Action {
		case ActionCopy:
			return e.download(ctx, bucket, joinKey(prefix, t.Path), target)
		case ActionDelete:
			return os.Remove(target)
		}
		return nil
	})
}

// execute runs the plan on a bounded worker pool and fails if any
// transfer failed.
func (e *Engine) execute(ctx context.Context, plan []Transfer, op func(context.Context, Transfer) error) error {
	errs := make([]error, len(plan))

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for i, t := range plan {
		wg.Add(1)
		go func(idx int, t Transfer) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}

			log.WithFields(log.Fields{"path": t.Path, "reason": t.Reason}).Debug(string(t.Action))
			errs[idx] = op(ctx, t)
		}(i, t)
	}
	wg.Wait()

	var failed int
	var first error
	for i, err := range errs {
		if err != nil {
			failed++
			if first == nil {
				first = err
			}
			log.WithError(err).WithField("path", plan[i].Path).Error("transfer failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d transfers failed: %v",
			engine.ErrEngineFailure, failed, len(plan), first)
	}
	return nil
}

func (e *Engine) upload(ctx context.Context, localPath, bucket, key string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return e.client.PutObject(ctx, bucket, key, f, size)
}

func (e *Engine) download(ctx context.Context, bucket, key, target string) error {
	body, err := e.client.GetObject(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("write file: %w", err)
	}
	return f.Close()
}

// resolveChecksums decides the same-size pairs: local CRC64NVME against
// the object's recorded checksum. Objects without a recorded checksum
// count as differing, which re-uploads rather than risks staleness.
func (e *Engine) resolveChecksums(ctx context.Context, refs []ItemRef, localPath, bucket, prefix string) (map[string]bool, error) {
	differing := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		localSum, err := checksum.File(filepath.Join(localPath, filepath.FromSlash(ref.Path)))
		if err != nil {
			return nil, fmt.Errorf("checksum %s: %w", ref.Path, err)
		}

		info, err := e.client.HeadObject(ctx, bucket, joinKey(prefix, ref.Path))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrTransport, err)
		}

		differing[ref.Path] = info.Checksum == "" || info.Checksum != localSum
	}
	return differing, nil
}

func (e *Engine) gatherRemote(ctx context.Context, bucket, prefix string) ([]ItemMetadata, error) {
	objects, err := e.client.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrTransport, err)
	}

	items := make([]ItemMetadata, 0, len(objects))
	for _, obj := range objects {
		items = append(items, ItemMetadata{Path: obj.Path, Size: obj.Size})
	}
	return items, nil
}

func gatherLocal(root string) ([]ItemMetadata, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		// A fresh pull target simply has no files yet.
		return []ItemMetadata{}, nil
	}

	w, err := walker.New(root, nil)
	if err != nil {
		return nil, err
	}
	files, err := w.Walk()
	if err != nil {
		return nil, err
	}

	items := make([]ItemMetadata, 0, len(files))
	for _, f := range files {
		items = append(items, ItemMetadata{Path: f.RelPath, Size: f.Size})
	}
	return items, nil
}

func joinKey(prefix, rel string) string {
	return path.Join(prefix, rel)
}
