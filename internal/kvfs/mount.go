package kvfs

import (
	"strings"

	"github.com/lyk-operating-system/LykOS/internal/ksync"
)

// splitPath breaks a slash-separated path into its non-empty components,
// normalizing consecutive separators (§4.6: "Path resolution
// normalizes consecutive separators").
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, c := range parts {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// mountNode is one component of the mount-point trie: a path segment with
// an optional mounted root vnode and child segments.
type mountNode struct {
	root     *Vnode
	children map[string]*mountNode
}

func newMountNode() *mountNode {
	return &mountNode{children: make(map[string]*mountNode)}
}

// VFS owns the mount-point trie: path resolution walks the trie consuming
// the longest mounted prefix, then continues the remaining components
// through the mounted filesystem's own vnode ops (§4.6 vfs_lookup:
// "walks the mount-point trie... then component-by-component invokes
// lookup on the current vnode").
type VFS struct {
	lock ksync.Spinlock
	root *mountNode
}

// NewVFS returns an empty VFS with nothing mounted.
func NewVFS() *VFS {
	return &VFS{root: newMountNode()}
}

// Mount installs root as the mounted filesystem's root vnode at path,
// creating any missing trie components along the way. Mounting the same
// path twice replaces the previous mount.
func (v *VFS) Mount(path string, root *Vnode) {
	v.lock.Acquire()
	defer v.lock.Release()

	n := v.root
	for _, c := range splitPath(path) {
		child, ok := n.children[c]
		if !ok {
			child = newMountNode()
			n.children[c] = child
		}
		n = child
	}
	n.root = root
}

// Unmount removes the mount at path, if any.
func (v *VFS) Unmount(path string) {
	v.lock.Acquire()
	defer v.lock.Release()

	n := v.root
	for _, c := range splitPath(path) {
		child, ok := n.children[c]
		if !ok {
			return
		}
		n = child
	}
	n.root = nil
}

// resolveMount walks the trie over components, returning the deepest
// mounted vnode reached and the remaining components below it (§4.6:
// "consuming the mounted prefix and jumping to the mounted vfs' root
// vnode").
func (v *VFS) resolveMount(components []string) (*Vnode, []string) {
	v.lock.Acquire()
	defer v.lock.Release()

	n := v.root
	var best *Vnode
	var bestRemain []string
	if n.root != nil {
		best, bestRemain = n.root, components
	}
	for i, c := range components {
		child, ok := n.children[c]
		if !ok {
			break
		}
		n = child
		if n.root != nil {
			best, bestRemain = n.root, components[i+1:]
		}
	}
	return best, bestRemain
}

// Lookup resolves path to its vnode, walking the mount trie and then
// invoking lookup on the current vnode for each remaining component
// (§4.6 vfs_lookup).
func (v *VFS) Lookup(path string) (*Vnode, error) {
	components := splitPath(path)
	cur, remain := v.resolveMount(components)
	if cur == nil {
		return nil, errNoEnt
	}
	for _, c := range remain {
		next, err := cur.ops.Lookup(cur, c)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// splitDirBase splits path into (dirname, basename), e.g. "/a/b/c" ->
// ("/a/b", "c").
func splitDirBase(path string) (string, string) {
	components := splitPath(path)
	if len(components) == 0 {
		return "/", ""
	}
	dir := "/" + strings.Join(components[:len(components)-1], "/")
	return dir, components[len(components)-1]
}

// Create splits path into (dirname, basename), looks up the parent
// directory, and calls its create op (§4.6 vfs_create).
func (v *VFS) Create(path string, typ VType) (*Vnode, error) {
	dir, base := splitDirBase(path)
	if base == "" {
		return nil, errExist
	}
	parent, err := v.Lookup(dir)
	if err != nil {
		return nil, err
	}
	if parent.Type != Dir {
		return nil, errNotDir
	}
	return parent.ops.Create(parent, base, typ)
}

// Remove splits path into (dirname, basename), looks up the parent
// directory, and calls its remove op (§4.6 vfs_remove).
func (v *VFS) Remove(path string) error {
	dir, base := splitDirBase(path)
	if base == "" {
		return errNoEnt
	}
	parent, err := v.Lookup(dir)
	if err != nil {
		return err
	}
	if parent.Type != Dir {
		return errNotDir
	}
	return parent.ops.Remove(parent, base)
}

// Mkdir splits path into (dirname, basename) and calls the parent's mkdir
// op.
func (v *VFS) Mkdir(path string) (*Vnode, error) {
	dir, base := splitDirBase(path)
	if base == "" {
		return nil, errExist
	}
	parent, err := v.Lookup(dir)
	if err != nil {
		return nil, err
	}
	if parent.Type != Dir {
		return nil, errNotDir
	}
	return parent.ops.Mkdir(parent, base)
}

// Rmdir splits path into (dirname, basename) and calls the parent's rmdir
// op.
func (v *VFS) Rmdir(path string) error {
	dir, base := splitDirBase(path)
	if base == "" {
		return errNoEnt
	}
	parent, err := v.Lookup(dir)
	if err != nil {
		return err
	}
	if parent.Type != Dir {
		return errNotDir
	}
	return parent.ops.Rmdir(parent, base)
}
