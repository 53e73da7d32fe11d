package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/ehrlich-b/devroom/internal/filetree"
	"github.com/ehrlich-b/devroom/internal/logger"
)

// CacheDir is the dependency directory that survives remounts.
const CacheDir = "node_modules"

var ErrClosed = errors.New("host closed")

const (
	defaultProbeInterval = 250 * time.Millisecond
	killGrace            = 3 * time.Second
	readDrainWait        = 2 * time.Second
	outputBuffer         = 256
)

// LocalConfig configures a Local host.
type LocalConfig struct {
	Root          string   // empty means a fresh tmpdir, removed on Close
	Env           []string // extra KEY=VALUE pairs
	PreviewHost   string   // host used in ServerReady URLs, default "localhost"
	ProbeInterval time.Duration
	NoPTY         bool // use plain pipes instead of a pseudo-terminal
	Logger        *slog.Logger
}

// Local runs commands directly on this machine inside a root directory.
type Local struct {
	cfg     LocalConfig
	root    string
	ownRoot bool
	ready   chan ServerReady
	log     *slog.Logger

	mu     sync.Mutex
	procs  map[*Process]struct{}
	closed bool
}

// NewLocal creates a local host rooted at cfg.Root or a new tmpdir.
func NewLocal(cfg LocalConfig) (*Local, error) {
	h := &Local{
		cfg:   cfg,
		root:  cfg.Root,
		ready: make(chan ServerReady, 8),
		log:   logger.Or(cfg.Logger),
		procs: make(map[*Process]struct{}),
	}
	if h.cfg.PreviewHost == "" {
		h.cfg.PreviewHost = "localhost"
	}
	if h.cfg.ProbeInterval <= 0 {
		h.cfg.ProbeInterval = defaultProbeInterval
	}
	if h.root == "" {
		dir, err := os.MkdirTemp("", "devroom-sandbox-*")
		if err != nil {
			return nil, &Error{Op: "create", Err: err}
		}
		h.root = dir
		h.ownRoot = true
	} else if err := os.MkdirAll(h.root, 0o755); err != nil {
		return nil, &Error{Op: "create", Err: err}
	}
	h.log.Debug("sandbox ready", "root", h.root)
	return h, nil
}

func (h *Local) Root() string { return h.root }

func (h *Local) ServerReady() <-chan ServerReady { return h.ready }

// Mount removes everything under the root except CacheDir, then writes
// tree. Mounting the same tree twice leaves the same files on disk.
func (h *Local) Mount(ctx context.Context, tree filetree.Tree) error {
	if err := filetree.Validate(tree); err != nil {
		return &Error{Op: "mount", Err: err}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &Error{Op: "mount", Err: ErrClosed}
	}

	entries, err := os.ReadDir(h.root)
	if err != nil {
		return &Error{Op: "mount", Err: err}
	}
	for _, e := range entries {
		if e.Name() == CacheDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(h.root, e.Name())); err != nil {
			return &Error{Op: "mount", Err: err}
		}
	}
	if err := writeTree(ctx, h.root, tree); err != nil {
		return &Error{Op: "mount", Err: err}
	}
	return nil
}

func writeTree(ctx context.Context, dir string, t filetree.Tree) error {
	for _, name := range t.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := t[name]
		p := filepath.Join(dir, name)
		if n.IsDir() {
			// A tree-supplied node_modules merges into the cache.
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
			if err := writeTree(ctx, p, n.Directory); err != nil {
				return err
			}
			continue
		}
		if err := os.WriteFile(p, []byte(n.File.Contents), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Spawn starts name in the root directory with PORT set to a free port.
// Cancelling ctx kills the process. Output must be drained.
func (h *Local) Spawn(ctx context.Context, name string, args ...string) (*Process, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, &Error{Op: "spawn", Err: ErrClosed}
	}

	port, err := freePort()
	if err != nil {
		return nil, &Error{Op: "spawn", Err: fmt.Errorf("allocate port: %w", err)}
	}

	cmd, out, closer, err := h.start(name, args, h.buildEnv(port))
	if err != nil {
		return nil, &Error{Op: "spawn", Err: err}
	}

	output := make(chan any, outputBuffer)
	var proc *Process
	proc, finish := NewProcess(output, func() { h.kill(cmd, proc) })
	h.mu.Lock()
	h.procs[proc] = struct{}{}
	h.mu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(output)
		buf := make([]byte, 4096)
		for {
			n, err := out.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				output <- chunk
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		code := exitCode(cmd.Wait())
		// Grandchildren can hold the terminal open; stop waiting for them.
		select {
		case <-readDone:
		case <-time.After(readDrainWait):
		}
		closer.Close()
		<-readDone

		h.mu.Lock()
		delete(h.procs, proc)
		h.mu.Unlock()
		h.log.Debug("sandbox process exited", "cmd", name, "code", code)
		finish(code)
	}()

	go h.watchPort(proc, port)
	go func() {
		select {
		case <-ctx.Done():
			proc.Kill()
		case <-proc.done:
		}
	}()

	h.log.Debug("sandbox process started", "cmd", name, "args", args, "pid", cmd.Process.Pid, "port", port)
	return proc, nil
}

func (h *Local) command(name string, args []string, env []string) (*exec.Cmd, error) {
	cmd := exec.Command(name, args...)
	if cmd.Err != nil {
		return nil, cmd.Err
	}
	cmd.Dir = h.root
	cmd.Env = env
	return cmd, nil
}

// start launches the command under a pty, or with one pipe shared by
// stdout and stderr when no pty is available. A pty session leader is
// its own process group, so both paths can be killed as a group.
func (h *Local) start(name string, args []string, env []string) (*exec.Cmd, io.Reader, io.Closer, error) {
	cmd, err := h.command(name, args, env)
	if err != nil {
		return nil, nil, nil, err
	}
	if !h.cfg.NoPTY {
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
		if err == nil {
			return cmd, ptmx, ptmx, nil
		}
		h.log.Warn("pty unavailable, falling back to pipes", "error", err)
		if cmd, err = h.command(name, args, env); err != nil {
			return nil, nil, nil, err
		}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, nil, nil, err
	}
	w.Close()
	return cmd, r, r, nil
}

func (h *Local) kill(cmd *exec.Cmd, proc *Process) {
	if cmd.Process == nil {
		return
	}
	if err := terminate(cmd.Process); err != nil {
		h.log.Debug("terminate", "pid", cmd.Process.Pid, "error", err)
	}
	pid := cmd.Process.Pid
	time.AfterFunc(killGrace, func() {
		if !proc.Exited() {
			h.log.Warn("process ignored SIGTERM, killing", "pid", pid)
			forceKill(cmd.Process)
		}
	})
}

// watchPort polls port until something accepts a connection or proc exits.
func (h *Local) watchPort(proc *Process, port int) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ticker := time.NewTicker(h.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-proc.done:
			return
		case <-ticker.C:
		}
		conn, err := net.DialTimeout("tcp", addr, h.cfg.ProbeInterval)
		if err != nil {
			continue
		}
		conn.Close()
		ev := ServerReady{Port: port, URL: fmt.Sprintf("http://%s:%d", h.cfg.PreviewHost, port)}
		select {
		case h.ready <- ev:
			h.log.Info("dev server ready", "url", ev.URL)
		default:
			h.log.Warn("server-ready event dropped", "url", ev.URL)
		}
		return
	}
}

func (h *Local) buildEnv(port int) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = h.root
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + home,
		"TMPDIR=" + os.TempDir(),
		"TERM=xterm-256color",
		"PORT=" + strconv.Itoa(port),
	}
	return append(env, h.cfg.Env...)
}

// Close kills every live process and removes the root if NewLocal
// created it.
func (h *Local) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	procs := make([]*Process, 0, len(h.procs))
	for p := range h.procs {
		procs = append(procs, p)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), killGrace+readDrainWait+time.Second)
	defer cancel()
	for _, p := range procs {
		p.Kill()
		if _, err := p.Wait(ctx); err != nil {
			h.log.Warn("process did not exit before close", "error", err)
		}
	}
	if h.ownRoot {
		return os.RemoveAll(h.root)
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
