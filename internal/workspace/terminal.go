// Package workspace is the client side of a devroom session: the file tree
// editor, the sandbox runtime that runs the project, the virtual terminals
// its output lands in, and the glue to the relay room.
package workspace

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type EntryKind string

const (
	EntryCommand EntryKind = "command"
	EntryOutput  EntryKind = "output"
	EntryError   EntryKind = "error"
	EntryExit    EntryKind = "exit"
)

// Entry is one line of terminal history.
type Entry struct {
	Kind EntryKind `json:"kind"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Sink observes every entry appended to any terminal of a set.
type Sink func(t *Terminal, e Entry)

// Terminal is one virtual terminal tab. Its history is append-only.
type Terminal struct {
	ID   string
	Name string

	sink    Sink
	mu      sync.Mutex
	entries []Entry
}

func (t *Terminal) append(kind EntryKind, text string) {
	e := Entry{Kind: kind, Text: text, At: time.Now()}
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
	if t.sink != nil {
		t.sink(t, e)
	}
}

func (t *Terminal) Command(cmd string) { t.append(EntryCommand, cmd) }
func (t *Terminal) Output(line string) { t.append(EntryOutput, line) }
func (t *Terminal) Error(msg string)   { t.append(EntryError, msg) }

func (t *Terminal) Errorf(format string, args ...any) {
	t.append(EntryError, fmt.Sprintf(format, args...))
}

func (t *Terminal) Exit(code int) {
	t.append(EntryExit, "Process exited with code "+strconv.Itoa(code))
}

// Entries returns a copy of the history.
func (t *Terminal) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

var ErrNoTerminal = errors.New("no such terminal")

// Terminals is a session's set of tabs. Exactly one is active; runtime
// output goes there.
type Terminals struct {
	sink Sink

	mu     sync.Mutex
	tabs   []*Terminal
	active *Terminal
	next   int
}

// NewTerminals returns a set holding one active terminal.
func NewTerminals(sink Sink) *Terminals {
	ts := &Terminals{sink: sink}
	ts.Open("")
	return ts
}

// Open adds a tab and makes it active.
func (ts *Terminals) Open(name string) *Terminal {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.next++
	if name == "" {
		name = "Terminal " + strconv.Itoa(ts.next)
	}
	t := &Terminal{ID: "term-" + strconv.Itoa(ts.next), Name: name, sink: ts.sink}
	ts.tabs = append(ts.tabs, t)
	ts.active = t
	return t
}

func (ts *Terminals) Active() *Terminal {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.active
}

func (ts *Terminals) Activate(id string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.tabs {
		if t.ID == id {
			ts.active = t
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoTerminal, id)
}

// Close removes a tab. The last tab cannot be closed; closing the active
// one activates its neighbour.
func (ts *Terminals) Close(id string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, t := range ts.tabs {
		if t.ID != id {
			continue
		}
		if len(ts.tabs) == 1 {
			return errors.New("cannot close the last terminal")
		}
		ts.tabs = append(ts.tabs[:i], ts.tabs[i+1:]...)
		if ts.active == t {
			ts.active = ts.tabs[max(i-1, 0)]
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoTerminal, id)
}

func (ts *Terminals) List() []*Terminal {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]*Terminal, len(ts.tabs))
	copy(out, ts.tabs)
	return out
}
