// Package filetree models a project's recursive file/directory structure.
//
// The JSON form matches what the browser sandbox and the AI assistant speak:
//
//	{"src": {"directory": {"app.js": {"file": {"contents": "..."}}}}}
package filetree

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MaxDepth bounds nesting. Deeper trees are rejected as invalid.
const MaxDepth = 64

var (
	ErrPathNotFound = errors.New("path not found")
	ErrExists       = errors.New("name already exists")
	ErrInvalidTree  = errors.New("invalid file tree")
)

// Tree maps entry names to nodes within one directory.
type Tree map[string]*Node

// File is a leaf with opaque text contents.
type File struct {
	Contents string `json:"contents"`
}

// Node is either a file or a directory. Directory is non-nil exactly when the
// node is a directory.
type Node struct {
	File      *File
	Directory Tree
}

// NewFile returns a file node.
func NewFile(contents string) *Node {
	return &Node{File: &File{Contents: contents}}
}

// NewDir returns a directory node holding t (an empty directory if t is nil).
func NewDir(t Tree) *Node {
	if t == nil {
		t = Tree{}
	}
	return &Node{Directory: t}
}

func (n *Node) IsDir() bool  { return n != nil && n.Directory != nil }
func (n *Node) IsFile() bool { return n != nil && n.File != nil && n.Directory == nil }

type wireNode struct {
	File      *File `json:"file,omitempty"`
	Directory *Tree `json:"directory,omitempty"`
}

func (n *Node) MarshalJSON() ([]byte, error) {
	if n.IsDir() {
		d := n.Directory
		return json.Marshal(wireNode{Directory: &d})
	}
	if n.File != nil {
		return json.Marshal(wireNode{File: n.File})
	}
	return nil, fmt.Errorf("%w: node is neither file nor directory", ErrInvalidTree)
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.File != nil && w.Directory != nil:
		return fmt.Errorf("%w: node has both file and directory", ErrInvalidTree)
	case w.Directory != nil:
		n.File = nil
		n.Directory = *w.Directory
		if n.Directory == nil {
			n.Directory = Tree{}
		}
	case w.File != nil:
		n.File = w.File
		n.Directory = nil
	default:
		return fmt.Errorf("%w: node is neither file nor directory", ErrInvalidTree)
	}
	return nil
}

// Parse decodes and validates a JSON file tree.
func Parse(data []byte) (Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTree, err)
	}
	if t == nil {
		t = Tree{}
	}
	if err := Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks names, node shape and depth.
func Validate(t Tree) error {
	return validate(t, "", 0)
}

func validate(t Tree, prefix string, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("%w: deeper than %d levels at %q", ErrInvalidTree, MaxDepth, prefix)
	}
	for name, n := range t {
		if err := ValidName(name); err != nil {
			return fmt.Errorf("%w at %q", err, prefix)
		}
		p := join(prefix, name)
		switch {
		case n == nil:
			return fmt.Errorf("%w: nil node at %q", ErrInvalidTree, p)
		case n.File != nil && n.Directory != nil:
			return fmt.Errorf("%w: %q is both file and directory", ErrInvalidTree, p)
		case n.Directory != nil:
			if err := validate(n.Directory, p, depth+1); err != nil {
				return err
			}
		case n.File == nil:
			return fmt.Errorf("%w: %q is neither file nor directory", ErrInvalidTree, p)
		}
	}
	return nil
}

// ValidName reports whether name can be used as a directory entry.
func ValidName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidTree)
	case name == "." || name == "..":
		return fmt.Errorf("%w: reserved name %q", ErrInvalidTree, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: name %q contains a separator", ErrInvalidTree, name)
	}
	return nil
}

// Clone deep-copies t.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for name, n := range t {
		if n.IsDir() {
			out[name] = NewDir(n.Directory.Clone())
		} else if n != nil && n.File != nil {
			out[name] = NewFile(n.File.Contents)
		}
	}
	return out
}

// Equal reports whether two trees hold the same names, shapes and contents.
func Equal(a, b Tree) bool {
	if len(a) != len(b) {
		return false
	}
	for name, na := range a {
		nb, ok := b[name]
		if !ok {
			return false
		}
		switch {
		case na.IsDir() && nb.IsDir():
			if !Equal(na.Directory, nb.Directory) {
				return false
			}
		case na.IsFile() && nb.IsFile():
			if na.File.Contents != nb.File.Contents {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Names returns the entries of t in sorted order.
func (t Tree) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Walk visits every file in t depth-first in name order.
func (t Tree) Walk(fn func(path string, f *File) error) error {
	return walk(t, "", fn)
}

func walk(t Tree, prefix string, fn func(string, *File) error) error {
	for _, name := range t.Names() {
		n := t[name]
		p := join(prefix, name)
		if n.IsDir() {
			if err := walk(n.Directory, p, fn); err != nil {
				return err
			}
			continue
		}
		if n.File != nil {
			if err := fn(p, n.File); err != nil {
				return err
			}
		}
	}
	return nil
}

// CountFiles returns the number of file leaves.
func (t Tree) CountFiles() int {
	n := 0
	t.Walk(func(string, *File) error {
		n++
		return nil
	})
	return n
}

// FileTypes counts files by extension (the text after the last dot, or the
// whole name when there is none).
func (t Tree) FileTypes() map[string]int {
	out := make(map[string]int)
	t.Walk(func(p string, _ *File) error {
		name := p[strings.LastIndex(p, "/")+1:]
		ext := name[strings.LastIndex(name, ".")+1:]
		out[ext]++
		return nil
	})
	return out
}

// HasFile reports whether a top-level file with the given name exists,
// compared case-insensitively.
func (t Tree) HasFile(name string) bool {
	for n, node := range t {
		if strings.EqualFold(n, name) && node.IsFile() {
			return true
		}
	}
	return false
}
