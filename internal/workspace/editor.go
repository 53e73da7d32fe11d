package workspace

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ehrlich-b/devroom/internal/filetree"
	"github.com/ehrlich-b/devroom/internal/logger"
)

// Persister stores a project's whole file tree.
type Persister interface {
	SaveFileTree(ctx context.Context, projectID string, tree filetree.Tree) error
}

type saveWaiter struct {
	version uint64
	done    chan error
}

// Editor holds the session's copy of a project's file tree. Every
// mutation applies in memory first and is then saved in the background.
// Saves run one at a time and skip straight to the newest version; a
// failed save is reported and never rolled back.
type Editor struct {
	projectID string
	persist   Persister
	terms     *Terminals
	log       *slog.Logger

	// OnChange, when set, sees every new tree after it is committed.
	OnChange func(filetree.Tree)

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	tree    filetree.Tree
	version uint64
	saved   uint64
	lastErr error
	waiters []saveWaiter
}

// NewEditor starts the save loop. terms may be nil.
func NewEditor(projectID string, tree filetree.Tree, persist Persister, terms *Terminals, l *slog.Logger) *Editor {
	if tree == nil {
		tree = filetree.Tree{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Editor{
		projectID: projectID,
		persist:   persist,
		terms:     terms,
		log:       logger.Or(l),
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		tree:      tree,
	}
	go e.saveLoop()
	return e
}

// Tree returns the current tree. Trees are never mutated in place, so
// the result stays valid after later edits.
func (e *Editor) Tree() filetree.Tree {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree
}

// NavigateTo resolves a "/"-separated path; "" is the root.
func (e *Editor) NavigateTo(path string) (*filetree.Node, error) {
	return filetree.Navigate(e.Tree(), path)
}

func (e *Editor) CreateFile(dir, name string) error {
	return e.apply(func(t filetree.Tree) (filetree.Tree, error) {
		return filetree.WithFile(t, dir, name)
	})
}

func (e *Editor) CreateFolder(dir, name string) error {
	return e.apply(func(t filetree.Tree) (filetree.Tree, error) {
		return filetree.WithFolder(t, dir, name)
	})
}

func (e *Editor) Delete(path string) error {
	return e.apply(func(t filetree.Tree) (filetree.Tree, error) {
		return filetree.Without(t, path)
	})
}

// UpdateContents replaces a file's text. Writing identical text is a no-op.
func (e *Editor) UpdateContents(path, text string) error {
	return e.apply(func(t filetree.Tree) (filetree.Tree, error) {
		if n, err := filetree.Navigate(t, path); err == nil && n.IsFile() && n.File.Contents == text {
			return nil, nil
		}
		return filetree.WithContents(t, path, text)
	})
}

// Replace swaps in a whole new tree, as when the assistant generates one.
func (e *Editor) Replace(tree filetree.Tree) error {
	if err := filetree.Validate(tree); err != nil {
		return err
	}
	return e.apply(func(filetree.Tree) (filetree.Tree, error) {
		return tree, nil
	})
}

// apply commits fn's result. A nil tree with a nil error means no change.
func (e *Editor) apply(fn func(filetree.Tree) (filetree.Tree, error)) error {
	e.mu.Lock()
	next, err := fn(e.tree)
	if err != nil || next == nil {
		e.mu.Unlock()
		return err
	}
	e.tree = next
	e.version++
	e.mu.Unlock()

	select {
	case e.kick <- struct{}{}:
	default:
	}
	if e.OnChange != nil {
		e.OnChange(next)
	}
	return nil
}

func (e *Editor) saveLoop() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.kick:
		}
		e.mu.Lock()
		tree, version := e.tree, e.version
		e.mu.Unlock()

		var err error
		if e.persist != nil {
			err = e.persist.SaveFileTree(e.ctx, e.projectID, tree)
		}
		if err != nil {
			e.log.Warn("file tree save failed", "project", e.projectID, "error", err)
			if e.terms != nil {
				e.terms.Active().Errorf("Failed to save project: %v", err)
			}
		}

		e.mu.Lock()
		e.saved = version
		e.lastErr = err
		kept := e.waiters[:0]
		for _, w := range e.waiters {
			if w.version <= version {
				w.done <- err
				continue
			}
			kept = append(kept, w)
		}
		e.waiters = kept
		e.mu.Unlock()
	}
}

// Wait blocks until every edit made before the call has been saved, and
// returns the error of the save that covered them.
func (e *Editor) Wait(ctx context.Context) error {
	e.mu.Lock()
	if e.saved >= e.version {
		err := e.lastErr
		e.mu.Unlock()
		return err
	}
	w := saveWaiter{version: e.version, done: make(chan error, 1)}
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return context.Canceled
	}
}

// Close stops the save loop. Unsaved edits are dropped; call Wait first
// to flush them.
func (e *Editor) Close() {
	e.cancel()
	<-e.done
}
