package policyfile

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// Reloader accepts a new policy. *alerting.PolicyHolder implements it.
type Reloader interface {
	Reload(p alerting.Policy) error
}

const settleDelay = 250 * time.Millisecond

// Watch reloads the policy at path into r whenever the file changes, until
// ctx is done. The parent directory is watched so editors that replace the
// file by rename are picked up. Bad files are logged and the current policy
// stays in force.
func Watch(ctx context.Context, path string, r Reloader, logger log.Logger) error {
	if logger == nil {
		logger = log.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("policyfile: watch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policyfile: watch: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("policyfile: watch %s: %w", filepath.Dir(abs), err)
	}

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "policy watcher error", "path", abs, "err", err)
		case <-settle.C:
			p, err := Load(abs)
			if err != nil {
				logger.Error(ctx, err, "policy file unreadable, keeping current policy", "path", abs)
				continue
			}
			if err := r.Reload(p); err != nil {
				// the holder has already logged and audited the rejection
				continue
			}
			logger.Info(ctx, "policy reloaded from file", "path", abs)
		}
	}
}
