package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/devroom/internal/filetree"
	"github.com/ehrlich-b/devroom/internal/sandbox"
	"github.com/ehrlich-b/devroom/internal/ws"
)

func nodeTree() filetree.Tree {
	return filetree.Tree{
		"package.json": filetree.NewFile(`{"scripts":{"start":"node index.js"}}`),
		"index.js":     filetree.NewFile("console.log('hi')"),
	}
}

func testRuntime(t *testing.T) (*Runtime, *fakeHost, *Terminals) {
	t.Helper()
	host := newFakeHost(t.TempDir())
	terms := NewTerminals(nil)
	rt := NewRuntime(host, terms, RuntimeConfig{})
	t.Cleanup(func() { rt.Close() })
	return rt, host, terms
}

func texts(term *Terminal, kind EntryKind) []string {
	var out []string
	for _, e := range term.Entries() {
		if e.Kind == kind {
			out = append(out, e.Text)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}

func TestRunRequiresManifest(t *testing.T) {
	rt, host, terms := testRuntime(t)
	rt.SetTree(filetree.Tree{"index.js": filetree.NewFile("")})

	err := rt.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotRunnable)
	assert.Empty(t, host.Events(), "an unrunnable project must not touch the host")
	errs := texts(terms.Active(), EntryError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "package.json")
}

func TestRunWithoutHost(t *testing.T) {
	terms := NewTerminals(nil)
	rt := NewRuntime(nil, terms, RuntimeConfig{})
	defer rt.Close()
	rt.SetTree(nodeTree())
	assert.ErrorIs(t, rt.Run(context.Background()), ErrNotRunnable)
	assert.Equal(t, []string{"Sandbox is not ready"}, texts(terms.Active(), EntryError))
}

func TestRunMountsInstallsAndStarts(t *testing.T) {
	rt, host, terms := testRuntime(t)
	host.on("npm install", fakeRun{output: []any{[]byte("added 1 package\n")}})
	host.on("npm start", fakeRun{output: []any{"listening\r\n", 42}, serve: true})
	rt.SetTree(nodeTree())

	require.NoError(t, rt.Run(context.Background()))
	waitFor(t, func() bool { return len(texts(terms.Active(), EntryOutput)) >= 2 })

	assert.Equal(t, []string{"mount", "spawn npm install", "exit npm install", "spawn npm start"}, host.Events())
	assert.Equal(t, []string{"npm install", "npm start"}, texts(terms.Active(), EntryCommand))
	assert.Equal(t, []string{"added 1 package", "listening"}, texts(terms.Active(), EntryOutput))
	assert.True(t, rt.Running())

	host.ready <- sandbox.ServerReady{Port: 4000, URL: "http://localhost:4000"}
	waitFor(t, func() bool { return rt.PreviewURL() == "http://localhost:4000" })

	assert.True(t, rt.Stop())
	waitFor(t, func() bool { return host.count("exit npm start") == 1 })
	assert.Equal(t, "", rt.PreviewURL())
	assert.False(t, rt.Stop())
}

func TestSecondRunKillsFirstBeforeSpawning(t *testing.T) {
	rt, host, _ := testRuntime(t)
	host.on("npm start", fakeRun{serve: true})
	rt.SetTree(nodeTree())

	require.NoError(t, rt.Run(context.Background()))
	require.NoError(t, rt.Run(context.Background()))

	events := host.Events()
	kill := indexOf(events, "kill npm start")
	exit := indexOf(events, "exit npm start")
	lastSpawn := lastIndexOf(events, "spawn npm start")
	require.NotEqual(t, -1, kill)
	assert.Less(t, kill, exit)
	assert.Less(t, exit, lastSpawn, "first start process must exit before the second spawns")
	assert.Equal(t, 2, host.count("spawn npm start"))
	assert.Equal(t, 1, host.count("spawn npm install"), "unchanged manifest must not reinstall")
}

func TestInstallSkipsWhenCached(t *testing.T) {
	rt, host, terms := testRuntime(t)
	ctx := context.Background()
	require.NoError(t, rt.Mount(ctx, nodeTree()))

	assert.True(t, rt.InstallDependencies(ctx, false))
	assert.True(t, rt.InstallDependencies(ctx, false))
	assert.Equal(t, 1, host.count("spawn npm install"))
	assert.Contains(t, texts(terms.Active(), EntryOutput), "Dependencies up to date")

	assert.True(t, rt.InstallDependencies(ctx, true))
	assert.Equal(t, 2, host.count("spawn npm install"), "force reinstalls")

	// A changed manifest invalidates the cache.
	tree, err := filetree.WithContents(nodeTree(), "package.json", `{"dependencies":{"express":"^4"}}`)
	require.NoError(t, err)
	require.NoError(t, rt.Mount(ctx, tree))
	assert.True(t, rt.InstallDependencies(ctx, false))
	assert.Equal(t, 3, host.count("spawn npm install"))

	// So does losing the cache directory.
	require.NoError(t, os.RemoveAll(filepath.Join(host.Root(), sandbox.CacheDir)))
	assert.True(t, rt.InstallDependencies(ctx, false))
	assert.Equal(t, 4, host.count("spawn npm install"))
}

func TestConcurrentInstallsShareOneProcess(t *testing.T) {
	rt, host, _ := testRuntime(t)
	gate := make(chan struct{})
	host.on("npm install", fakeRun{gate: gate})
	ctx := context.Background()
	require.NoError(t, rt.Mount(ctx, nodeTree()))

	var wg sync.WaitGroup
	results := make([]bool, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = rt.InstallDependencies(ctx, true)
		}(i)
	}
	waitFor(t, rt.Installing)
	time.Sleep(100 * time.Millisecond) // let the other callers join
	close(gate)
	wg.Wait()

	assert.Equal(t, []bool{true, true, true}, results)
	assert.Equal(t, 1, host.count("spawn npm install"))
	assert.False(t, rt.Installing())
}

func TestInstallFailureAbortsRun(t *testing.T) {
	rt, host, terms := testRuntime(t)
	host.on("npm install", fakeRun{output: []any{"ERR! 404\n"}, code: 1})
	rt.SetTree(nodeTree())

	assert.ErrorIs(t, rt.Run(context.Background()), ErrInstallFailed)
	assert.Zero(t, host.count("spawn npm start"))
	errs := texts(terms.Active(), EntryError)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1], "exit code 1")
	assert.Contains(t, texts(terms.Active(), EntryExit), "Process exited with code 1")
}

func TestSpawnAndMountFailuresReachTerminal(t *testing.T) {
	rt, host, terms := testRuntime(t)
	host.on("npm install", fakeRun{err: errBoom})
	rt.SetTree(nodeTree())
	assert.ErrorIs(t, rt.Run(context.Background()), ErrInstallFailed)
	assert.True(t, strings.Contains(strings.Join(texts(terms.Active(), EntryError), "\n"), "boom"))

	host.mu.Lock()
	host.mountErr = errBoom
	host.mu.Unlock()
	assert.ErrorIs(t, rt.Run(context.Background()), errBoom)
	assert.Contains(t, texts(terms.Active(), EntryError), "Mount failed: boom")
}

func TestApplyCommandsOverrideDefaults(t *testing.T) {
	rt, host, _ := testRuntime(t)
	host.on("node server.js", fakeRun{serve: true})
	rt.SetTree(nodeTree())

	rt.ApplyCommands(
		&ws.Command{MainItem: "yarn", Commands: []string{"install"}},
		&ws.Command{MainItem: "node", Commands: []string{"server.js"}},
	)
	rt.ApplyCommands(nil, &ws.Command{MainItem: " "}) // ignored

	require.NoError(t, rt.Run(context.Background()))
	assert.Equal(t, 1, host.count("spawn yarn install"))
	assert.Equal(t, 1, host.count("spawn node server.js"))
}

func TestOutputGoesToActiveTerminal(t *testing.T) {
	rt, host, terms := testRuntime(t)
	host.on("npm install", fakeRun{output: []any{"one\n"}})
	first := terms.Active()
	second := terms.Open("build")
	require.NoError(t, rt.Mount(context.Background(), nodeTree()))
	require.True(t, rt.InstallDependencies(context.Background(), false))

	assert.Empty(t, texts(first, EntryOutput))
	assert.Equal(t, []string{"one"}, texts(second, EntryOutput))
}

func indexOf(events []string, ev string) int {
	for i, e := range events {
		if e == ev {
			return i
		}
	}
	return -1
}

func lastIndexOf(events []string, ev string) int {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i] == ev {
			return i
		}
	}
	return -1
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) SendReady(project, previewURL string) {
	n.mu.Lock()
	n.events = append(n.events, "ready "+project+" "+previewURL)
	n.mu.Unlock()
}

func (n *recordingNotifier) SendExit(project string, exitCode int) {
	n.mu.Lock()
	n.events = append(n.events, fmt.Sprintf("exit %s %d", project, exitCode))
	n.mu.Unlock()
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func TestRuntimeNotifies(t *testing.T) {
	host := newFakeHost(t.TempDir())
	notes := &recordingNotifier{}
	rt := NewRuntime(host, NewTerminals(nil), RuntimeConfig{Project: "demo", Notifier: notes})
	defer rt.Close()
	host.on("npm start", fakeRun{code: 1})
	rt.SetTree(nodeTree())

	host.ready <- sandbox.ServerReady{Port: 4000, URL: "http://localhost:4000"}
	waitFor(t, func() bool { return len(notes.Events()) == 1 })
	require.NoError(t, rt.Run(context.Background()))
	waitFor(t, func() bool { return len(notes.Events()) == 2 })

	assert.Equal(t, []string{"ready demo http://localhost:4000", "exit demo 1"}, notes.Events())
}

func TestStoppedProcessDoesNotNotify(t *testing.T) {
	host := newFakeHost(t.TempDir())
	notes := &recordingNotifier{}
	rt := NewRuntime(host, NewTerminals(nil), RuntimeConfig{Project: "demo", Notifier: notes})
	defer rt.Close()
	host.on("npm start", fakeRun{serve: true})
	rt.SetTree(nodeTree())

	require.NoError(t, rt.Run(context.Background()))
	require.True(t, rt.Stop())
	waitFor(t, func() bool { return host.count("exit npm start") == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, notes.Events())
}

func TestInstallOutputSplitMidRuneAndEscape(t *testing.T) {
	rt, host, terms := testRuntime(t)
	host.on("npm install", fakeRun{output: []any{
		[]byte("\x1b[3"),
		[]byte("2m\xe2\x9c"),
		[]byte("\x93 done\x1b[0m\n"),
	}})
	ctx := context.Background()
	require.NoError(t, rt.Mount(ctx, nodeTree()))

	require.True(t, rt.InstallDependencies(ctx, false))
	assert.Equal(t, []string{"✓ done"}, texts(terms.Active(), EntryOutput))
}
