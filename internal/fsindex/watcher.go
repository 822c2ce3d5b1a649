package fsindex

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change kinds reported by Watch.
const (
	ChangeAdded   = "added"
	ChangeChanged = "changed"
	ChangeRemoved = "removed"
)

// EventCallback is called after a watcher-driven rebuild, once per route
// or asset whose presence or content changed.
type EventCallback func(kind string, path string)

const debounceInterval = 200 * time.Millisecond

// Watch watches the public, static, pages and app directories and the
// build output until ctx is cancelled. Bursts of events are debounced into
// one Reload; cb receives the diff between the old and new snapshots plus
// a "changed" event for every modified file that stayed in place.
//
// New directories created at runtime are automatically added to the watch
// list. A failed reload keeps the previous snapshot.
func (x *Index) Watch(ctx context.Context, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	watched := []string{
		x.roots.public.Root(),
		x.roots.legacyStatic.Root(),
		x.roots.pagesDir.Root(),
		x.roots.appDir.Root(),
		x.roots.nextStatic.Root(),
	}
	for _, root := range watched {
		if err := addDirsRecursive(w, root); err != nil {
			return err
		}
	}
	// The project dir itself is watched shallowly so that a public or app
	// directory created later is picked up.
	if info, statErr := os.Stat(x.opts.Dir); statErr == nil && info.IsDir() {
		if err := w.Add(x.opts.Dir); err != nil {
			return err
		}
	}

	x.logger.Info("watcher: started", slog.String("root", x.opts.Dir))

	var (
		timer    *time.Timer
		timerCh  <-chan time.Time
		modified = map[string]struct{}{}
	)
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounceInterval)
			timerCh = timer.C
		} else {
			timer.Reset(debounceInterval)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			x.logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			x.rebuild(modified, cb)
			modified = map[string]struct{}{}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						x.logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					} else {
						x.logger.Debug("watcher: watching new dir", slog.String("path", ev.Name))
					}
				}
			}
			if ev.Op&fsnotify.Write != 0 {
				modified[ev.Name] = struct{}{}
			}
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			x.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func (x *Index) rebuild(modified map[string]struct{}, cb EventCallback) {
	prev := x.snap.Load()
	if err := x.Reload(); err != nil {
		x.logger.Warn("watcher: reload failed", slog.String("error", err.Error()))
		return
	}
	next := x.snap.Load()
	x.logger.Debug("watcher: reloaded", slog.String("index", x.String()))
	if cb == nil {
		return
	}

	for _, pair := range [][2]map[string]struct{}{
		{prev.pages, next.pages},
		{prev.app, next.app},
		{prev.public, next.public},
		{prev.legacyStatic, next.legacyStatic},
		{prev.nextStatic, next.nextStatic},
	} {
		for p := range pair[1] {
			if _, ok := pair[0][p]; !ok {
				cb(ChangeAdded, p)
			}
		}
		for p := range pair[0] {
			if _, ok := pair[1][p]; !ok {
				cb(ChangeRemoved, p)
			}
		}
	}
	for abs := range modified {
		if route, ok := x.routeForFile(abs); ok {
			cb(ChangeChanged, route)
		}
	}
}

// routeForFile maps an absolute file path back to the route or asset path
// it serves.
func (x *Index) routeForFile(abs string) (string, bool) {
	rel := func(root string) (string, bool) {
		r, err := filepath.Rel(root, abs)
		if err != nil || r == ".." || len(r) > 2 && r[:3] == ".."+string(os.PathSeparator) {
			return "", false
		}
		return filepath.ToSlash(r), true
	}
	if r, ok := rel(x.roots.pagesDir.Root()); ok {
		return pagePathFromFile(r, x.opts.PageExtensions)
	}
	if r, ok := rel(x.roots.appDir.Root()); ok {
		return appPathFromFile(r, x.opts.PageExtensions)
	}
	if r, ok := rel(x.roots.public.Root()); ok {
		return "/" + r, true
	}
	if r, ok := rel(x.roots.legacyStatic.Root()); ok {
		return legacyStaticPrefix + "/" + r, true
	}
	if r, ok := rel(x.roots.nextStatic.Root()); ok {
		return nextStaticPrefix + "/" + r, true
	}
	return "", false
}

// addDirsRecursive adds root and all its subdirectories to the watcher. A
// missing root is skipped.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
