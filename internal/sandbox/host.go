// Package sandbox runs a project's file tree as a real process tree: it
// mounts files into a root directory, spawns commands there and reports
// when a dev server starts listening.
package sandbox

import (
	"context"
	"sync"

	"github.com/ehrlich-b/devroom/internal/filetree"
)

// Host is an execution environment for one mounted project.
type Host interface {
	// Mount replaces the host's files with tree. The dependency cache
	// directory (node_modules) survives remounts.
	Mount(ctx context.Context, tree filetree.Tree) error
	Spawn(ctx context.Context, name string, args ...string) (*Process, error)
	// ServerReady fires each time a spawned process starts listening.
	ServerReady() <-chan ServerReady
	Root() string
	Close() error
}

// ServerReady reports a dev server accepting connections.
type ServerReady struct {
	Port int
	URL  string
}

// Error wraps a failed host operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "sandbox " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Process is a spawned command. Output delivers raw chunks ([]byte or
// string) and is closed once the process stops writing. Exit delivers the
// exit code once and is then closed.
type Process struct {
	Output <-chan any
	Exit   <-chan int

	kill     func()
	killOnce sync.Once
	done     chan struct{}
	code     int
}

// NewProcess wires a Process around an output channel and a kill func.
// The returned finish func records the exit code; call it exactly once.
// Hosts other than Local (and test fakes) build processes this way.
func NewProcess(output <-chan any, kill func()) (*Process, func(code int)) {
	exit := make(chan int, 1)
	p := &Process{
		Output: output,
		Exit:   exit,
		kill:   kill,
		done:   make(chan struct{}),
	}
	finish := func(code int) {
		p.code = code
		close(p.done)
		exit <- code
		close(exit)
	}
	return p, finish
}

// Kill asks the process to stop. Safe to call repeatedly and after exit.
func (p *Process) Kill() {
	select {
	case <-p.done:
		return
	default:
	}
	if p.kill != nil {
		p.killOnce.Do(p.kill)
	}
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Exited reports whether the process has finished.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
