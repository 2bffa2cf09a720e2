package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/errs"

	"cutout/internal/fsutil"
)

// ErrTimeout is returned when some files never appeared.
var ErrTimeout = errs.Class("wait timeout")

// WaitForFiles blocks until every path exists, the timeout elapses, or ctx
// is done. Parent directories are watched for creates and renames so that
// files installed by rename are seen. It returns the paths still missing
// alongside any error.
func WaitForFiles(ctx context.Context, paths []string, timeout time.Duration) ([]string, error) {
	pending := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		if !fsutil.Exists(abs) {
			pending[abs] = true
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return missing(pending), err
	}
	defer watcher.Close()

	dirs := map[string]bool{}
	for p := range pending {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return missing(pending), err
		}
		if err := watcher.Add(dir); err != nil {
			return missing(pending), err
		}
	}

	// A file may have landed between the first check and Add.
	recheck(pending)
	if len(pending) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return missing(pending), ErrTimeout.New("watcher closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if pending[event.Name] && fsutil.Exists(event.Name) {
				delete(pending, event.Name)
			}
			if len(pending) == 0 {
				return nil, nil
			}

		case _, ok := <-watcher.Errors:
			if !ok {
				return missing(pending), ErrTimeout.New("watcher closed")
			}
			// Overflow drops events; fall back to a stat sweep.
			recheck(pending)
			if len(pending) == 0 {
				return nil, nil
			}

		case <-ctx.Done():
			recheck(pending)
			if len(pending) == 0 {
				return nil, nil
			}
			return missing(pending), ErrTimeout.New("%d of %d files missing after %s", len(pending), len(paths), timeout)
		}
	}
}

func recheck(pending map[string]bool) {
	for p := range pending {
		if fsutil.Exists(p) {
			delete(pending, p)
		}
	}
}

func missing(pending map[string]bool) []string {
	out := make([]string, 0, len(pending))
	for p := range pending {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
