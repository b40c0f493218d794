package registry

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/relaymesh/toolgate/internal/backend"
)

// WatchBackendList watches path for writes and re-reads the backend list,
// starting any newly-added backends without requiring a process restart.
// Backends already running are left untouched even if their descriptor
// changed; only additions are picked up, matching the registry's
// atomic-snapshot-swap restart model rather than a full config reload.
func (r *Registry) WatchBackendList(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.closing:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				r.reloadAdded(ctx, path)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("backend list watch error", "error", watchErr)
			}
		}
	}()

	return nil
}

// reloadAdded loads the current backend list and starts any descriptor
// whose name is neither a known session nor already marked unhealthy.
func (r *Registry) reloadAdded(ctx context.Context, path string) {
	descriptors, err := LoadDescriptors(path)
	if err != nil {
		r.logger.Warn("backend list reload failed", "error", err)
		return
	}

	r.mu.RLock()
	var toStart []backend.Descriptor
	for _, d := range descriptors {
		if _, known := r.sessions[d.Name]; known {
			continue
		}
		if r.unhealthy[d.Name] {
			continue
		}
		toStart = append(toStart, d)
	}
	r.mu.RUnlock()

	for _, d := range toStart {
		r.startOne(ctx, d)
	}
}
