package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/ehrlich-b/devroom/internal/filetree"
	"github.com/ehrlich-b/devroom/internal/logger"
	"github.com/ehrlich-b/devroom/internal/sandbox"
	"github.com/ehrlich-b/devroom/internal/ws"
)

// ManifestFile is the dependency manifest a project needs at its root
// before it can run.
const ManifestFile = "package.json"

var (
	ErrNotRunnable   = errors.New("project is not runnable")
	ErrInstallFailed = errors.New("dependency install failed")
)

const stopTimeout = 10 * time.Second

// Notifier hears about the start process. *ntfy.Client satisfies it.
type Notifier interface {
	SendReady(project, previewURL string)
	SendExit(project string, exitCode int)
}

type RuntimeConfig struct {
	Project    string   // name used in notifications
	InstallCmd []string // default npm install
	StartCmd   []string // default npm start
	Notifier   Notifier
	Logger     *slog.Logger
}

// Runtime mounts a project into a sandbox host, installs its
// dependencies and keeps at most one start process alive.
type Runtime struct {
	host  sandbox.Host
	terms *Terminals
	cfg   RuntimeConfig
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	installs singleflight.Group
	runMu    sync.Mutex // serialises Run

	mu         sync.Mutex
	tree       filetree.Tree
	buildCmd   []string // AI-declared override for InstallCmd
	startCmd   []string // AI-declared override for StartCmd
	depKey     [32]byte
	hasDepKey  bool
	installing bool
	start      *sandbox.Process
	previewURL string
	closed     bool
}

// NewRuntime takes ownership of nothing: the caller closes host after
// the runtime.
func NewRuntime(host sandbox.Host, terms *Terminals, cfg RuntimeConfig) *Runtime {
	if len(cfg.InstallCmd) == 0 {
		cfg.InstallCmd = []string{"npm", "install"}
	}
	if len(cfg.StartCmd) == 0 {
		cfg.StartCmd = []string{"npm", "start"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		host:   host,
		terms:  terms,
		cfg:    cfg,
		log:    logger.Or(cfg.Logger),
		ctx:    ctx,
		cancel: cancel,
	}
	if host != nil {
		r.wg.Add(1)
		go r.watchReady()
	}
	return r
}

func (r *Runtime) watchReady() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-r.host.ServerReady():
			r.mu.Lock()
			r.previewURL = ev.URL
			r.mu.Unlock()
			r.terms.Active().Output("Server ready at " + ev.URL)
			if r.cfg.Notifier != nil {
				go r.cfg.Notifier.SendReady(r.cfg.Project, ev.URL)
			}
		}
	}
}

func (r *Runtime) ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host != nil && !r.closed
}

// Mount loads tree into the host, replacing what was there.
func (r *Runtime) Mount(ctx context.Context, tree filetree.Tree) error {
	if !r.ready() {
		r.terms.Active().Error("Sandbox is not ready")
		return ErrNotRunnable
	}
	if err := r.host.Mount(ctx, tree); err != nil {
		r.terms.Active().Errorf("Mount failed: %v", err)
		r.log.Warn("mount failed", "error", err)
		return err
	}
	r.SetTree(tree)
	return nil
}

// SetTree records the tree the next Run mounts without touching the host.
func (r *Runtime) SetTree(tree filetree.Tree) {
	r.mu.Lock()
	r.tree = tree
	r.mu.Unlock()
}

// Tree returns the tree the runtime last mounted or was given.
func (r *Runtime) Tree() filetree.Tree {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree
}

// ApplyCommands installs AI-declared build and start commands as the
// defaults for later runs. Nil or empty commands leave the current ones.
func (r *Runtime) ApplyCommands(build, start *ws.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if argv := commandArgv(build); argv != nil {
		r.buildCmd = argv
		r.hasDepKey = false // a new install command invalidates the cache
	}
	if argv := commandArgv(start); argv != nil {
		r.startCmd = argv
	}
}

func commandArgv(c *ws.Command) []string {
	if c == nil || strings.TrimSpace(c.MainItem) == "" {
		return nil
	}
	return append([]string{c.MainItem}, c.Commands...)
}

func (r *Runtime) commands() (install, start []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	install, start = r.cfg.InstallCmd, r.cfg.StartCmd
	if r.buildCmd != nil {
		install = r.buildCmd
	}
	if r.startCmd != nil {
		start = r.startCmd
	}
	return install, start
}

// Installing reports whether an install is in flight.
func (r *Runtime) Installing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// InstallDependencies installs the mounted project's dependencies unless
// the manifest is unchanged since the last successful install and the
// cache directory still exists. Concurrent calls share one install.
func (r *Runtime) InstallDependencies(ctx context.Context, force bool) bool {
	term := r.terms.Active()
	r.mu.Lock()
	tree := r.tree
	r.mu.Unlock()

	manifest, ok := tree[ManifestFile]
	if !ok || !manifest.IsFile() {
		term.Errorf("No %s found; nothing to install", ManifestFile)
		return false
	}
	key := blake3.Sum256([]byte(manifest.File.Contents))

	r.mu.Lock()
	cached := r.hasDepKey && r.depKey == key
	r.mu.Unlock()
	if !force && cached && r.cacheExists() {
		term.Output("Dependencies up to date")
		return true
	}

	v, _, _ := r.installs.Do("install", func() (any, error) {
		r.mu.Lock()
		r.installing = true
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			r.installing = false
			r.mu.Unlock()
		}()
		return r.install(ctx, term, key), nil
	})
	return v.(bool)
}

func (r *Runtime) cacheExists() bool {
	fi, err := os.Stat(filepath.Join(r.host.Root(), sandbox.CacheDir))
	return err == nil && fi.IsDir()
}

func (r *Runtime) install(ctx context.Context, term *Terminal, key [32]byte) bool {
	argv, _ := r.commands()
	term.Command(strings.Join(argv, " "))
	proc, err := r.host.Spawn(ctx, argv[0], argv[1:]...)
	if err != nil {
		term.Errorf("Install failed to start: %v", err)
		r.log.Warn("install spawn failed", "error", err)
		return false
	}
	if code := r.stream(ctx, term, proc); code != 0 {
		term.Errorf("Install failed with exit code %d", code)
		return false
	}
	r.mu.Lock()
	r.depKey = key
	r.hasDepKey = true
	r.mu.Unlock()
	return true
}

// stream copies decoded output lines into term until proc's output
// closes, then records and returns the exit code.
func (r *Runtime) stream(ctx context.Context, term *Terminal, proc *sandbox.Process) int {
	var dec sandbox.Decoder
	var split sandbox.LineSplitter
	for chunk := range proc.Output {
		text, ok := dec.Decode(chunk)
		if !ok {
			continue
		}
		for _, line := range split.Push(text) {
			term.Output(line)
		}
	}
	for _, line := range split.Push(dec.Flush()) {
		term.Output(line)
	}
	if tail, ok := split.Flush(); ok {
		term.Output(tail)
	}
	code, err := proc.Wait(ctx)
	if err != nil {
		proc.Kill()
		term.Errorf("Stopped waiting for process: %v", err)
		return -1
	}
	term.Exit(code)
	return code
}

// Run mounts the current tree, installs dependencies and replaces the
// start process. A project without a root manifest is not runnable; Run
// reports why and returns ErrNotRunnable without touching the host.
func (r *Runtime) Run(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	term := r.terms.Active()

	if !r.ready() {
		term.Error("Sandbox is not ready")
		return ErrNotRunnable
	}
	tree := r.Tree()
	if n, ok := tree[ManifestFile]; !ok || !n.IsFile() {
		term.Errorf("No %s at the project root; add one to run the project", ManifestFile)
		return ErrNotRunnable
	}

	if err := r.Mount(ctx, tree); err != nil {
		return err
	}
	if !r.InstallDependencies(ctx, false) {
		return ErrInstallFailed
	}
	if err := r.stopAndWait(ctx); err != nil {
		term.Errorf("Previous process did not stop: %v", err)
		return err
	}

	_, argv := r.commands()
	term.Command(strings.Join(argv, " "))
	proc, err := r.host.Spawn(r.ctx, argv[0], argv[1:]...)
	if err != nil {
		term.Errorf("Start failed: %v", err)
		r.log.Warn("start spawn failed", "error", err)
		return err
	}
	r.mu.Lock()
	r.start = proc
	r.previewURL = ""
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		code := r.stream(r.ctx, term, proc)
		r.mu.Lock()
		current := r.start == proc
		if current {
			r.start = nil
			r.previewURL = ""
		}
		r.mu.Unlock()
		// A replaced or stopped process exiting is expected.
		if current && r.ctx.Err() == nil && r.cfg.Notifier != nil {
			r.cfg.Notifier.SendExit(r.cfg.Project, code)
		}
	}()
	return nil
}

// stopAndWait kills the live start process and waits for its exit.
func (r *Runtime) stopAndWait(ctx context.Context) error {
	r.mu.Lock()
	prev := r.start
	r.start = nil
	r.previewURL = ""
	r.mu.Unlock()
	if prev == nil {
		return nil
	}
	prev.Kill()
	wctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	_, err := prev.Wait(wctx)
	return err
}

// Stop kills the live start process. It reports whether there was one.
func (r *Runtime) Stop() bool {
	r.mu.Lock()
	prev := r.start
	r.start = nil
	r.previewURL = ""
	r.mu.Unlock()
	if prev == nil {
		return false
	}
	prev.Kill()
	return true
}

// Running reports whether a start process is live.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.start != nil
}

// PreviewURL is the URL of the running dev server, or "".
func (r *Runtime) PreviewURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.previewURL
}

// Close stops the start process and the runtime's goroutines.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.Stop()
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("runtime: output streams still open after %s", stopTimeout)
	}
}
