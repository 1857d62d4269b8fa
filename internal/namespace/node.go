// Package namespace implements the in-memory tree behind a calcfs mount.
//
// Nodes live in an arena owned by a Tree and are addressed by NodeID.
// Parents own their children through an insertion-ordered id list; each node
// keeps a non-owning back-reference to its parent used for path
// reconstruction only.
package namespace

import (
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/radryc/calcfs/internal/provider"
)

// NodeID identifies a node within one tree. Ids are never reused.
type NodeID uint64

// RootID is the fixed identity of every tree's root directory.
const RootID NodeID = 1

// Kind distinguishes directories from files.
type Kind int

const (
	Directory Kind = iota
	File
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "dir"
	case File:
		return "file"
	default:
		return "unknown"
	}
}

// Default permission bits for created nodes.
const (
	DefaultDirMode  os.FileMode = 0755
	DefaultFileMode os.FileMode = 0644
)

// Node is a directory or file in the tree.
type Node struct {
	id     NodeID
	name   string
	kind   Kind
	mode   os.FileMode
	uid    uint32
	gid    uint32
	ctime  time.Time
	mtime  time.Time
	nlink  uint32
	parent NodeID

	tree *Tree

	// directories only
	children []NodeID
	index    map[string]NodeID

	// files only
	content provider.Provider
}

func (n *Node) ID() NodeID { return n.id }

func (n *Node) Name() string { return n.name }

func (n *Node) Kind() Kind { return n.kind }

func (n *Node) IsDir() bool { return n.kind == Directory }

func (n *Node) Mode() os.FileMode { return n.mode }

// Owner returns the uid and gid reported for the node.
func (n *Node) Owner() (uid, gid uint32) { return n.uid, n.gid }

func (n *Node) CreatedAt() time.Time { return n.ctime }

func (n *Node) ModifiedAt() time.Time { return n.mtime }

// Parent returns the parent id, or zero for the root.
func (n *Node) Parent() NodeID { return n.parent }

// Provider returns the file's content provider, nil for directories or
// files created without one.
func (n *Node) Provider() provider.Provider { return n.content }

// Nlink reports the link count. Directories add the modeled self link and
// one ".." link per child directory on top of the stored count.
func (n *Node) Nlink() uint32 {
	if n.kind != Directory {
		return n.nlink
	}
	links := n.nlink + 1
	for _, id := range n.children {
		if c := n.tree.node(id); c != nil && c.kind == Directory {
			links++
		}
	}
	return links
}

// Size is the provider size for files and zero for directories.
func (n *Node) Size() uint64 {
	if n.content == nil {
		return 0
	}
	return n.content.Size()
}

// Path reconstructs the slash-separated path from the root ("" for root).
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur != nil && cur.parent != 0; cur = n.tree.node(cur.parent) {
		parts = append(parts, cur.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if !utf8.ValidString(name) {
		return false
	}
	return !strings.ContainsRune(name, '/') && !strings.ContainsRune(name, 0)
}
