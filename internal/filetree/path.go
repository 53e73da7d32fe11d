package filetree

import (
	"fmt"
	"strings"
)

// SplitPath turns "src/lib/" into ["src", "lib"]. The empty path is the root.
func SplitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" && seg != "." {
			out = append(out, seg)
		}
	}
	return out
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Navigate resolves p against t. The root resolves to a directory node
// wrapping t. Walking through a file or a missing segment fails with
// ErrPathNotFound.
func Navigate(t Tree, p string) (*Node, error) {
	segs := SplitPath(p)
	cur := NewDir(t)
	for i, seg := range segs {
		if !cur.IsDir() {
			return nil, fmt.Errorf("%w: %q is not a directory", ErrPathNotFound, strings.Join(segs[:i], "/"))
		}
		next, ok := cur.Directory[seg]
		if !ok || next == nil {
			return nil, fmt.Errorf("%w: %q", ErrPathNotFound, strings.Join(segs[:i+1], "/"))
		}
		cur = next
	}
	return cur, nil
}

// update applies fn to the directory at dir and returns a new root. Only the
// maps along dir are copied; every other subtree is shared with t.
func update(t Tree, dir []string, fn func(Tree) error) (Tree, error) {
	out := make(Tree, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	if len(dir) == 0 {
		if err := fn(out); err != nil {
			return nil, err
		}
		return out, nil
	}
	child, ok := out[dir[0]]
	if !ok || !child.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrPathNotFound, dir[0])
	}
	sub, err := update(child.Directory, dir[1:], fn)
	if err != nil {
		return nil, err
	}
	out[dir[0]] = NewDir(sub)
	return out, nil
}

// WithFile returns a tree with an empty file name created under dir.
func WithFile(t Tree, dir, name string) (Tree, error) {
	return withNew(t, dir, name, NewFile(""))
}

// WithFolder returns a tree with an empty directory name created under dir.
func WithFolder(t Tree, dir, name string) (Tree, error) {
	return withNew(t, dir, name, NewDir(nil))
}

func withNew(t Tree, dir, name string, n *Node) (Tree, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	return update(t, SplitPath(dir), func(d Tree) error {
		if _, ok := d[name]; ok {
			return fmt.Errorf("%w: %q", ErrExists, join(dir, name))
		}
		d[name] = n
		return nil
	})
}

// Without returns a tree with the entry at p removed.
func Without(t Tree, p string) (Tree, error) {
	segs := SplitPath(p)
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: cannot delete the root", ErrPathNotFound)
	}
	parent, name := segs[:len(segs)-1], segs[len(segs)-1]
	return update(t, parent, func(d Tree) error {
		if _, ok := d[name]; !ok {
			return fmt.Errorf("%w: %q", ErrPathNotFound, p)
		}
		delete(d, name)
		return nil
	})
}

// WithContents returns a tree where the file at p holds text.
func WithContents(t Tree, p, text string) (Tree, error) {
	segs := SplitPath(p)
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: root is not a file", ErrPathNotFound)
	}
	parent, name := segs[:len(segs)-1], segs[len(segs)-1]
	return update(t, parent, func(d Tree) error {
		n, ok := d[name]
		if !ok || !n.IsFile() {
			return fmt.Errorf("%w: %q is not a file", ErrPathNotFound, p)
		}
		d[name] = NewFile(text)
		return nil
	})
}
