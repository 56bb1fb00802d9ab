package hotpatch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the worker whenever the file is changed outside Update, for
// example by an operator editing it in place. It watches the parent directory
// so replace-by-rename is seen too. Watch blocks until ctx is done.
func (p *Patcher) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(p.path)
	if err != nil {
		return fmt.Errorf("resolving worker path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	p.log.Infow("watching worker file", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(abs) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Our own Update also lands here; Reload sees an unchanged digest
			if _, err := p.Reload(ctx); err != nil {
				p.log.Warnw("worker reload failed, keeping current version", "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.Warnw("worker watch error", "error", err)
		}
	}
}
