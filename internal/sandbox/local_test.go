//go:build unix

package sandbox

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/devroom/internal/filetree"
)

func testHost(t *testing.T, cfg LocalConfig) *Local {
	t.Helper()
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 20 * time.Millisecond
	}
	h, err := NewLocal(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// collect drains p and returns its decoded lines and exit code.
func collect(t *testing.T, p *Process) ([]string, int) {
	t.Helper()
	var split LineSplitter
	var lines []string
	timeout := time.After(10 * time.Second)
	for {
		select {
		case chunk, ok := <-p.Output:
			if !ok {
				if tail, ok := split.Flush(); ok {
					lines = append(lines, tail)
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				code, err := p.Wait(ctx)
				require.NoError(t, err)
				return lines, code
			}
			text, ok := DecodeChunk(chunk)
			require.True(t, ok)
			lines = append(lines, split.Push(text)...)
		case <-timeout:
			t.Fatal("process output never closed")
		}
	}
}

func TestMountWritesTreeAndKeepsCache(t *testing.T) {
	h := testHost(t, LocalConfig{Root: t.TempDir()})
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(h.Root(), CacheDir, "left-pad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.Root(), "stale.txt"), []byte("x"), 0o644))

	tree := filetree.Tree{
		"package.json": filetree.NewFile(`{"name":"demo"}`),
		"src": filetree.NewDir(filetree.Tree{
			"index.js": filetree.NewFile("console.log(1)"),
			"empty":    filetree.NewDir(nil),
		}),
	}
	require.NoError(t, h.Mount(ctx, tree))
	require.NoError(t, h.Mount(ctx, tree), "mount is idempotent")

	data, err := os.ReadFile(filepath.Join(h.Root(), "src", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))
	assert.DirExists(t, filepath.Join(h.Root(), "src", "empty"))
	assert.DirExists(t, filepath.Join(h.Root(), CacheDir, "left-pad"))
	assert.NoFileExists(t, filepath.Join(h.Root(), "stale.txt"))
}

func TestMountRejectsInvalidTree(t *testing.T) {
	h := testHost(t, LocalConfig{})
	err := h.Mount(context.Background(), filetree.Tree{"../escape": filetree.NewFile("")})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "mount", se.Op)
}

func TestSpawnStreamsOutputAndExitCode(t *testing.T) {
	for _, noPTY := range []bool{false, true} {
		t.Run("nopty="+strconv.FormatBool(noPTY), func(t *testing.T) {
			h := testHost(t, LocalConfig{NoPTY: noPTY, Env: []string{"GREETING=hello"}})
			p, err := h.Spawn(context.Background(), "sh", "-c", "echo $GREETING; pwd; exit 3")
			require.NoError(t, err)

			lines, code := collect(t, p)
			assert.Equal(t, 3, code)
			require.Len(t, lines, 2)
			assert.Equal(t, "hello", lines[0])
			want, _ := filepath.EvalSymlinks(h.Root())
			got, _ := filepath.EvalSymlinks(lines[1])
			assert.Equal(t, want, got)
			assert.True(t, p.Exited())
		})
	}
}

func TestSpawnUnknownCommand(t *testing.T) {
	h := testHost(t, LocalConfig{})
	_, err := h.Spawn(context.Background(), "definitely-not-a-real-binary-xyz")
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "spawn", se.Op)
}

func TestKillStopsProcessGroup(t *testing.T) {
	h := testHost(t, LocalConfig{NoPTY: true})
	p, err := h.Spawn(context.Background(), "sh", "-c", "sleep 30 & sleep 30")
	require.NoError(t, err)

	p.Kill()
	p.Kill()
	_, code := collect(t, p)
	assert.NotEqual(t, 0, code)
}

func TestContextCancelKills(t *testing.T) {
	h := testHost(t, LocalConfig{NoPTY: true})
	ctx, cancel := context.WithCancel(context.Background())
	p, err := h.Spawn(ctx, "sleep", "30")
	require.NoError(t, err)
	cancel()
	collect(t, p)
}

func TestServerReadyOnPort(t *testing.T) {
	h := testHost(t, LocalConfig{NoPTY: true, PreviewHost: "preview.test"})
	p, err := h.Spawn(context.Background(), "sh", "-c", "echo $PORT; sleep 30")
	require.NoError(t, err)
	defer p.Kill()

	var port int
	select {
	case chunk := <-p.Output:
		text, _ := DecodeChunk(chunk)
		port, err = strconv.Atoi(strings.TrimSpace(string(text)))
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no PORT output")
	}

	// Stand in for the dev server the process would have started.
	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer l.Close()

	select {
	case ev := <-h.ServerReady():
		assert.Equal(t, port, ev.Port)
		assert.Equal(t, "http://preview.test:"+strconv.Itoa(port), ev.URL)
	case <-time.After(5 * time.Second):
		t.Fatal("server ready never fired")
	}
}

func TestCloseRemovesOwnedRoot(t *testing.T) {
	h, err := NewLocal(LocalConfig{})
	require.NoError(t, err)
	root := h.Root()
	p, err := h.Spawn(context.Background(), "sleep", "30")
	require.NoError(t, err)
	go func() {
		for range p.Output {
		}
	}()

	require.NoError(t, h.Close())
	assert.True(t, p.Exited())
	assert.NoDirExists(t, root)

	_, err = h.Spawn(context.Background(), "true")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Mount(context.Background(), nil), ErrClosed)
}
