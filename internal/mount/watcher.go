package mount

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"notevault/internal/contextutil"
	"notevault/internal/storage"
)

var errClosed = errors.New("mount engine closed")

// watch is the live fsnotify binding of one mount root.
type watch struct {
	rootID   string
	realPath string
	fw       *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
}

// startWatch attaches a watcher to root unless one is already running.
// The watcher outlives ctx; it stops on Unmount or Close.
func (e *Engine) startWatch(ctx context.Context, root *storage.Item) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errClosed
	}
	if _, ok := e.watches[root.ID]; ok {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(root.Real()); err != nil {
		_ = fw.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &watch{
		rootID:   root.ID,
		realPath: root.Real(),
		fw:       fw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.addTree(loopCtx, root.Real(), e.ignore)
	e.watches[root.ID] = w

	go e.run(loopCtx, w)
	return nil
}

// stopWatch stops the watcher for rootID and waits for its loop to exit.
func (e *Engine) stopWatch(rootID string) {
	e.mu.Lock()
	w, ok := e.watches[rootID]
	delete(e.watches, rootID)
	e.mu.Unlock()

	if ok {
		w.stop()
	}
}

// run processes events until the watch is stopped. Events are applied one
// at a time so the tree converges in arrival order.
func (e *Engine) run(ctx context.Context, w *watch) {
	defer close(w.done)
	logger := contextutil.LoggerFromContext(ctx).With("real_path", w.realPath)
	logger.InfoContext(ctx, "watching mount")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if err := e.apply(ctx, w, ev); err != nil {
				logger.ErrorContext(ctx, "failed to apply filesystem event",
					"event", ev.Op.String(), "name", ev.Name, "error", err)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.WarnContext(ctx, "watcher error", "error", err)
		}
	}
}

func (w *watch) stop() {
	w.cancel()
	if w.fw != nil {
		_ = w.fw.Close()
	}
	<-w.done
}

// addTree watches dir and every directory below it that is not ignored.
func (w *watch) addTree(ctx context.Context, dir string, ignore ignoreSet) {
	if w.fw == nil {
		return
	}
	logger := contextutil.LoggerFromContext(ctx)

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != dir && ignore.name(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			logger.WarnContext(ctx, "failed to watch directory", "real_path", path, "error", err)
		}
		return nil
	})
}

// forget drops the watch on a removed directory. Unknown paths are ignored.
func (w *watch) forget(path string) {
	if w.fw != nil {
		_ = w.fw.Remove(path)
	}
}
