package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ehrlich-b/devroom/internal/filetree"
	"github.com/ehrlich-b/devroom/internal/sandbox"
)

// fakeRun describes what a spawned fake command does.
type fakeRun struct {
	output []any
	code   int
	serve  bool          // keep running until killed
	gate   chan struct{} // when set, exit only after it closes
	err    error
}

// fakeHost is an in-memory sandbox.Host that records what happens to it.
type fakeHost struct {
	root  string
	ready chan sandbox.ServerReady

	mu        sync.Mutex
	events    []string
	mountErr  error
	runs      map[string]fakeRun // keyed by command line
	processes []*sandbox.Process
}

func newFakeHost(root string) *fakeHost {
	return &fakeHost{
		root:  root,
		ready: make(chan sandbox.ServerReady, 1),
		runs:  make(map[string]fakeRun),
	}
}

func (h *fakeHost) record(ev string) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *fakeHost) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *fakeHost) count(ev string) int {
	n := 0
	for _, e := range h.Events() {
		if e == ev {
			n++
		}
	}
	return n
}

func (h *fakeHost) on(cmdline string, run fakeRun) {
	h.mu.Lock()
	h.runs[cmdline] = run
	h.mu.Unlock()
}

func (h *fakeHost) Mount(ctx context.Context, tree filetree.Tree) error {
	h.record("mount")
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mountErr
}

func (h *fakeHost) Spawn(ctx context.Context, name string, args ...string) (*sandbox.Process, error) {
	cmdline := strings.TrimSpace(name + " " + strings.Join(args, " "))
	h.mu.Lock()
	run := h.runs[cmdline]
	h.mu.Unlock()
	if run.err != nil {
		h.record("spawn-failed " + cmdline)
		return nil, &sandbox.Error{Op: "spawn", Err: run.err}
	}
	h.record("spawn " + cmdline)

	out := make(chan any, len(run.output)+1)
	killed := make(chan struct{})
	var once sync.Once
	proc, finish := sandbox.NewProcess(out, func() {
		once.Do(func() {
			h.record("kill " + cmdline)
			close(killed)
		})
	})
	h.mu.Lock()
	h.processes = append(h.processes, proc)
	h.mu.Unlock()

	go func() {
		for _, chunk := range run.output {
			out <- chunk
		}
		if run.gate != nil {
			<-run.gate
		}
		code := run.code
		if run.serve {
			select {
			case <-killed:
			case <-ctx.Done():
			}
			code = 143
		}
		if code == 0 && name == "npm" && len(args) > 0 && args[0] == "install" {
			os.MkdirAll(filepath.Join(h.root, sandbox.CacheDir), 0o755)
		}
		close(out)
		h.record("exit " + cmdline)
		finish(code)
	}()
	return proc, nil
}

func (h *fakeHost) ServerReady() <-chan sandbox.ServerReady { return h.ready }
func (h *fakeHost) Root() string                            { return h.root }
func (h *fakeHost) Close() error                            { return nil }

var errBoom = errors.New("boom")
