// Package watch re-runs a callback when any of a set of files changes.
//
// Files are watched through their parent directory so that editors which
// replace files by renaming are noticed. Events are debounced: the callback
// runs once the set of paths has been quiet for the configured delay.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDelay is the debounce delay used when none is given.
const DefaultDelay = 500 * time.Millisecond

// Watcher watches files and directory trees.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	delay   time.Duration

	files   map[string]bool
	trees   []string
	watched map[string]bool
}

// New creates a watcher. A zero delay selects DefaultDelay.
func New(logger zerolog.Logger, delay time.Duration) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Watcher{
		watcher: watcher,
		logger:  logger.With().Str("component", "watch").Logger(),
		delay:   delay,
		files:   make(map[string]bool),
		watched: make(map[string]bool),
	}, nil
}

// Set replaces the watched paths. Directories are watched recursively;
// missing paths are skipped with a warning.
func (w *Watcher) Set(paths []string) error {
	for dir := range w.watched {
		_ = w.watcher.Remove(dir)
	}
	w.files = make(map[string]bool)
	w.trees = nil
	w.watched = make(map[string]bool)

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", abs).Msg("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			if err := w.addTree(abs); err != nil {
				return err
			}
			continue
		}
		w.files[abs] = true
		if err := w.add(filepath.Dir(abs)); err != nil {
			return err
		}
	}
	w.logger.Debug().Int("files", len(w.files)).Int("trees", len(w.trees)).Msg("Watching paths")
	return nil
}

func (w *Watcher) addTree(root string) error {
	w.trees = append(w.trees, root)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.add(p)
		}
		return nil
	})
}

func (w *Watcher) add(dir string) error {
	if w.watched[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watched[dir] = true
	return nil
}

// relevant reports whether an event on name concerns a watched path.
func (w *Watcher) relevant(name string) bool {
	if w.files[name] {
		return true
	}
	for _, root := range w.trees {
		if name == root || strings.HasPrefix(name, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Run delivers debounced changes to fn until ctx is done. fn runs on the
// Run goroutine and may call Set. An error from fn stops the watcher.
func (w *Watcher) Run(ctx context.Context, fn func(ctx context.Context, changed []string) error) error {
	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending = make(map[string]bool)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 || !w.relevant(event.Name) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			if event.Op&fsnotify.Create != 0 && w.inTree(event.Name) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.add(event.Name)
				}
			}
			pending[event.Name] = true
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			slices.Sort(changed)
			clear(pending)
			if err := fn(ctx, changed); err != nil {
				return err
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) inTree(name string) bool {
	for _, root := range w.trees {
		if strings.HasPrefix(name, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
