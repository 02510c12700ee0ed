// Package tree implements an in-memory case-insensitive path tree: a node
// holds a lowered-component -> child mapping alongside a parallel
// lowered -> original-case name mapping, with the invariant that both
// mappings share the same key set.
//
// Tree itself is not safe for concurrent use; the caller (internal/metacache)
// holds a single mutex across merges and lookups.
package tree

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sujayakar/public-domain/internal/coreerr"
	"github.com/sujayakar/public-domain/internal/remote"
)

// File is the data carried by a file leaf: its display path, revision, size,
// and last-modified time.
type File struct {
	DisplayPath    string
	Rev            string
	Size           uint64
	ServerModified time.Time
}

// DirEntry is one row of a listdir result: a display name plus either a File or a folder marker.
type DirEntry struct {
	Name   string
	IsDir  bool
	File   File // valid iff !IsDir
}

type node struct {
	isDir    bool
	file     File
	children map[string]*node   // lowered component -> child
	names    map[string]string  // lowered component -> original-case name
}

func newDirNode() *node {
	return &node{
		isDir:    true,
		children: make(map[string]*node),
		names:    make(map[string]string),
	}
}

// Tree is the root of the path tree; the zero value is not usable, use New().
type Tree struct {
	root *node
}

// New returns an empty Tree with only a root folder.
func New() *Tree {
	return &Tree{root: newDirNode()}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// resolveParent walks components starting at root and returns the node they
// name. With createIntermediate, missing components are created as folder
// nodes and a component that is a file yields InconsistentRemote; without
// it, a missing or file component yields a nil node. Merge passes every
// component but the leaf.
func (t *Tree) resolveParent(components []string, createIntermediate bool) (*node, error) {
	cur := t.root
	for _, c := range components {
		lc := strings.ToLower(c)
		child, ok := cur.children[lc]
		if !ok {
			if !createIntermediate {
				return nil, nil
			}
			child = newDirNode()
			cur.children[lc] = child
			cur.names[lc] = c
		} else if !child.isDir {
			if !createIntermediate {
				return nil, nil
			}
			return nil, &coreerr.InconsistentRemote{
				Path:   strings.Join(components, "/"),
				Reason: fmt.Sprintf("child announced under file parent at component %q", c),
			}
		}
		cur = child
	}
	return cur, nil
}

func (t *Tree) resolve(components []string) *node {
	cur := t.root
	for _, c := range components {
		lc := strings.ToLower(c)
		child, ok := cur.children[lc]
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

// resolveStrict walks components like resolve but distinguishes "an ancestor
// is a file, so there's nowhere to descend" (IsFile) from "the component is
// simply absent" (NotFound). Used by List, which must fail with IsFile
// rather than NotFound when listdir("a/b") descends through a file "a".
func (t *Tree) resolveStrict(components []string) (*node, error) {
	cur := t.root
	for _, c := range components {
		if !cur.isDir {
			return nil, coreerr.ErrIsFile
		}
		lc := strings.ToLower(c)
		child, ok := cur.children[lc]
		if !ok {
			return nil, coreerr.ErrNotFound
		}
		cur = child
	}
	return cur, nil
}

// Merge applies one remote.Entry, observed at relative path relPath, to the
// tree following the merge rule below. relPath has already had the root
// prefix stripped; the empty path denotes the root folder itself and is
// ignored by the caller before Merge is invoked.
func (t *Tree) Merge(relPath string, e remote.Entry) error {
	components := splitPath(relPath)
	if len(components) == 0 {
		return nil
	}
	leaf := components[len(components)-1]
	leafLower := strings.ToLower(leaf)
	parent, err := t.resolveParent(components[:len(components)-1], true)
	if err != nil {
		return err
	}

	switch e.Kind {
	case remote.KindFile:
		delete(parent.children, leafLower)
		parent.children[leafLower] = &node{
			isDir: false,
			file: File{
				DisplayPath:    e.PathDisplay,
				Rev:            e.Rev,
				Size:           e.Size,
				ServerModified: e.ServerModified,
			},
		}
		parent.names[leafLower] = leaf

	case remote.KindFolder:
		existing, ok := parent.children[leafLower]
		if !ok || !existing.isDir {
			parent.children[leafLower] = newDirNode()
		}
		// folders are idempotent: if it already existed as a folder, keep its children.
		parent.names[leafLower] = leaf

	case remote.KindDeleted:
		delete(parent.children, leafLower)
		delete(parent.names, leafLower)

	default:
		return fmt.Errorf("tree: unknown entry kind %v", e.Kind)
	}
	return nil
}

// Stat resolves path to a File: NotFound if absent, IsDirectory if it
// resolves to a folder (or root).
func (t *Tree) Stat(path string) (File, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return File{}, coreerr.ErrIsDirectory
	}
	leaf := components[len(components)-1]
	parent := t.resolve(components[:len(components)-1])
	if parent == nil {
		return File{}, coreerr.ErrNotFound
	}
	child, ok := parent.children[strings.ToLower(leaf)]
	if !ok {
		return File{}, coreerr.ErrNotFound
	}
	if child.isDir {
		return File{}, coreerr.ErrIsDirectory
	}
	return child.file, nil
}

// List resolves path to a folder and returns its children ordered ascending
// by lowered name.
func (t *Tree) List(path string) ([]DirEntry, error) {
	components := splitPath(path)
	n := t.root
	if len(components) > 0 {
		var err error
		n, err = t.resolveStrict(components)
		if err != nil {
			return nil, err
		}
	}
	if !n.isDir {
		return nil, coreerr.ErrIsFile
	}

	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]DirEntry, 0, len(keys))
	for _, k := range keys {
		child := n.children[k]
		name := n.names[k]
		if child.isDir {
			out = append(out, DirEntry{Name: name, IsDir: true})
		} else {
			out = append(out, DirEntry{Name: name, IsDir: false, File: child.file})
		}
	}
	return out, nil
}
