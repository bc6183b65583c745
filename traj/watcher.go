package traj

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchQuiet is how long a file must stay unchanged before the
// watcher reports it.
const DefaultWatchQuiet = 500 * time.Millisecond

// FileWatcher reports trajectory files that were created or rewritten.
// Parent directories are watched so files replaced by rename, including
// our own atomic writes, are still seen.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	files   map[string]bool // watched files; empty watches whole directories
	quiet   time.Duration
	handler func(path string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewFileWatcher watches paths, which may be files or directories, and calls
// handler once per burst of changes to a file, after quiet has passed.
func NewFileWatcher(paths []string, quiet time.Duration, handler func(path string)) (*FileWatcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: nothing to watch", ErrInvalidInput)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: create watcher: %v", ErrIOFailure, err)
	}
	fw := &FileWatcher{
		watcher: w,
		files:   make(map[string]bool),
		quiet:   quiet,
		handler: handler,
		timers:  make(map[string]*time.Timer),
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = w.Close()
			return nil, ioFailure("resolve", p, err)
		}
		if isDir(abs) {
			dirs[abs] = true
			continue
		}
		fw.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return nil, ioFailure("watch", d, err)
		}
		Logger().Infow("watching", "dir", d)
	}
	return fw, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (fw *FileWatcher) Run(ctx context.Context) error {
	defer fw.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !fw.wants(event.Name) {
				continue
			}
			fw.schedule(event.Name)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return nil
			}
			Logger().Warnw("watcher error", "error", err)
		}
	}
}

func (fw *FileWatcher) wants(name string) bool {
	base := filepath.Base(name)
	// temp files of writeFileAtomic
	if len(base) > 0 && base[0] == '.' {
		return false
	}
	if len(fw.files) == 0 {
		return true
	}
	abs, err := filepath.Abs(name)
	return err == nil && fw.files[abs]
}

func (fw *FileWatcher) schedule(name string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if t, ok := fw.timers[name]; ok {
		t.Reset(fw.quiet)
		return
	}
	fw.timers[name] = time.AfterFunc(fw.quiet, func() {
		fw.mu.Lock()
		delete(fw.timers, name)
		fw.mu.Unlock()
		fw.handler(name)
	})
}

func (fw *FileWatcher) stop() {
	fw.mu.Lock()
	for name, t := range fw.timers {
		t.Stop()
		delete(fw.timers, name)
	}
	fw.mu.Unlock()
	if err := fw.watcher.Close(); err != nil {
		Logger().Warnw("closing watcher", "error", err)
	}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
