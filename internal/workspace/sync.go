package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/devroom/internal/filetree"
	"github.com/ehrlich-b/devroom/internal/logger"
	"github.com/ehrlich-b/devroom/internal/sandbox"
)

// maxSyncedFile keeps build artefacts and binaries out of the tree.
const maxSyncedFile = 1 << 20

// DiskSync copies edits made on disk under a sandbox root back into an
// editor. Events are debounced per path and then reconciled against
// what is on disk, so the remove-and-rewrite of a mount settles into
// no-ops.
type DiskSync struct {
	root     string
	editor   *Editor
	debounce time.Duration
	log      *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// WatchDisk starts syncing root into editor.
func WatchDisk(root string, editor *Editor, debounce time.Duration, l *slog.Logger) (*DiskSync, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	d := &DiskSync{
		root:     root,
		editor:   editor,
		debounce: debounce,
		log:      logger.Or(l),
		watcher:  w,
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}
	if err := d.addTree(root); err != nil {
		w.Close()
		return nil, err
	}
	go d.watch()
	return d, nil
}

// addTree watches dir and every directory below it except the
// dependency cache.
func (d *DiskSync) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() {
			return nil
		}
		if e.Name() == sandbox.CacheDir {
			return filepath.SkipDir
		}
		if err := d.watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (d *DiskSync) watch() {
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(ev)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("disk watcher error", "error", err)
		case <-d.done:
			return
		}
	}
}

func (d *DiskSync) handleEvent(ev fsnotify.Event) {
	rel, ok := d.relative(ev.Name)
	if !ok {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := d.addTree(ev.Name); err != nil {
				d.log.Warn("watch new directory", "path", rel, "error", err)
			}
		}
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[rel]; ok {
		t.Stop()
	}
	d.timers[rel] = time.AfterFunc(d.debounce, func() {
		d.mu.Lock()
		delete(d.timers, rel)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			d.reconcile(rel)
		}
	})
}

// relative maps an absolute event path to a tree path, rejecting the
// root itself and anything inside the dependency cache.
func (d *DiskSync) relative(abs string) (string, bool) {
	rel, err := filepath.Rel(d.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == sandbox.CacheDir || strings.HasPrefix(rel, sandbox.CacheDir+"/") {
		return "", false
	}
	return rel, true
}

// reconcile makes the editor's entry at rel match the disk.
func (d *DiskSync) reconcile(rel string) {
	abs := filepath.Join(d.root, filepath.FromSlash(rel))
	fi, err := os.Stat(abs)
	current, navErr := d.editor.NavigateTo(rel)
	inTree := navErr == nil

	switch {
	case errors.Is(err, fs.ErrNotExist):
		if inTree {
			err = d.editor.Delete(rel)
		} else {
			err = nil
		}
	case err != nil:
	case fi.IsDir():
		if !inTree {
			err = d.ensureDir(rel)
		} else {
			err = nil
		}
	case fi.Size() > maxSyncedFile:
		d.log.Debug("skipping large file", "path", rel, "size", fi.Size())
		err = nil
	default:
		var data []byte
		data, err = os.ReadFile(abs)
		if err != nil {
			break
		}
		if !inTree {
			if err = d.ensureDir(parentOf(rel)); err != nil {
				break
			}
			dir, name := parentOf(rel), rel[strings.LastIndex(rel, "/")+1:]
			if err = d.editor.CreateFile(dir, name); err != nil && !errors.Is(err, filetree.ErrExists) {
				break
			}
		} else if current.IsDir() {
			break
		}
		err = d.editor.UpdateContents(rel, string(data))
	}
	if err != nil {
		d.log.Warn("disk sync failed", "path", rel, "error", err)
	}
}

// ensureDir creates every missing directory along rel in the editor.
func (d *DiskSync) ensureDir(rel string) error {
	dir := ""
	for _, seg := range filetree.SplitPath(rel) {
		next := seg
		if dir != "" {
			next = dir + "/" + seg
		}
		if _, err := d.editor.NavigateTo(next); err != nil {
			if err := d.editor.CreateFolder(dir, seg); err != nil && !errors.Is(err, filetree.ErrExists) {
				return err
			}
		}
		dir = next
	}
	return nil
}

func parentOf(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[:i]
	}
	return ""
}

// Close stops watching. Pending debounced events are dropped.
func (d *DiskSync) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = nil
	d.mu.Unlock()
	close(d.done)
	return d.watcher.Close()
}
