package namespace

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/radryc/calcfs/internal/provider"
)

// Options configures a Tree.
type Options struct {
	// Allocator admits node creation. Nil means unlimited.
	Allocator Allocator

	// Clock stamps creation times. Nil uses time.Now.
	Clock func() time.Time

	// UID and GID are reported as the owner of every node.
	UID uint32
	GID uint32
}

// Tree owns the node arena of one mount.
//
// Mutation is single-writer: the caller building the tree must not share it
// until Seal is called. After Seal the topology is immutable and Lookup is
// safe for concurrent use without locking.
type Tree struct {
	opts Options

	nodes []*Node // indexed by NodeID; slot 0 unused
	next  NodeID
	live  *roaring64.Bitmap

	sealed   atomic.Bool
	released bool
}

// NewTree returns an empty tree.
func NewTree(opts Options) *Tree {
	if opts.Allocator == nil {
		opts.Allocator = NewBudget(0)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Tree{
		opts:  opts,
		nodes: make([]*Node, 1, 8),
		next:  RootID,
		live:  roaring64.New(),
	}
}

// NodeOption adjusts a node at creation.
type NodeOption func(*Node)

// WithMode sets the permission bits of the new node.
func WithMode(mode os.FileMode) NodeOption {
	return func(n *Node) {
		n.mode = mode.Perm()
	}
}

// CreateRoot allocates the root directory with id RootID.
func (t *Tree) CreateRoot(opts ...NodeOption) (*Node, error) {
	if t.released {
		return nil, ErrReleased
	}
	if t.next != RootID {
		return nil, ErrRootExists
	}
	return t.alloc(nil, "", Directory, nil, opts)
}

// CreateChild appends a new node to parent's children.
func (t *Tree) CreateChild(parent *Node, name string, kind Kind, content provider.Provider, opts ...NodeOption) (*Node, error) {
	if t.sealed.Load() {
		return nil, ErrSealed
	}
	if t.released {
		return nil, ErrReleased
	}
	if !t.owns(parent) {
		return nil, ErrStaleNode
	}
	if parent.kind != Directory {
		return nil, fmt.Errorf("create %q under %q: %w", name, parent.Path(), ErrNotADirectory)
	}
	if !validName(name) {
		return nil, fmt.Errorf("create %q: %w", name, ErrInvalidName)
	}
	if kind == Directory && content != nil {
		return nil, fmt.Errorf("create %q: %w", name, ErrDirContent)
	}
	if _, exists := parent.index[name]; exists {
		return nil, fmt.Errorf("create %q under %q: %w", name, parent.Path(), ErrDuplicateName)
	}
	return t.alloc(parent, name, kind, content, opts)
}

func (t *Tree) alloc(parent *Node, name string, kind Kind, content provider.Provider, opts []NodeOption) (*Node, error) {
	if err := t.opts.Allocator.Reserve(); err != nil {
		return nil, fmt.Errorf("allocate %q: %w", name, ErrAllocationFailure)
	}

	now := t.opts.Clock()
	n := &Node{
		id:      t.next,
		name:    name,
		kind:    kind,
		uid:     t.opts.UID,
		gid:     t.opts.GID,
		ctime:   now,
		mtime:   now,
		nlink:   1,
		tree:    t,
		content: content,
	}
	if kind == Directory {
		n.mode = DefaultDirMode
		n.index = make(map[string]NodeID)
	} else {
		n.mode = DefaultFileMode
	}
	for _, opt := range opts {
		opt(n)
	}

	t.next++
	t.nodes = append(t.nodes, n)
	t.live.Add(uint64(n.id))

	if parent != nil {
		n.parent = parent.id
		parent.children = append(parent.children, n.id)
		parent.index[name] = n.id
		parent.mtime = now
	}
	return n, nil
}

// Root returns the root directory, or nil if it does not exist.
func (t *Tree) Root() *Node {
	return t.node(RootID)
}

// Get returns the live node with the given id.
func (t *Tree) Get(id NodeID) (*Node, bool) {
	n := t.node(id)
	return n, n != nil
}

func (t *Tree) node(id NodeID) *Node {
	if id == 0 || uint64(id) >= uint64(len(t.nodes)) {
		return nil
	}
	return t.nodes[id]
}

func (t *Tree) owns(n *Node) bool {
	return n != nil && n.tree == t && t.live.Contains(uint64(n.id))
}

// Len returns the number of live nodes.
func (t *Tree) Len() int {
	return int(t.live.GetCardinality())
}

// LiveIDs returns the ids of all live nodes in ascending order.
func (t *Tree) LiveIDs() []NodeID {
	raw := t.live.ToArray()
	ids := make([]NodeID, len(raw))
	for i, id := range raw {
		ids[i] = NodeID(id)
	}
	return ids
}

// Children returns dir's children in insertion order.
func (t *Tree) Children(dir *Node) []*Node {
	if !t.owns(dir) || dir.kind != Directory {
		return nil
	}
	out := make([]*Node, 0, len(dir.children))
	for _, id := range dir.children {
		if c := t.node(id); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Lookup resolves path segment by segment starting at start. The empty path
// resolves to start itself.
func (t *Tree) Lookup(start *Node, path []string) (*Node, error) {
	if !t.owns(start) {
		return nil, ErrStaleNode
	}
	cur := start
	for i, name := range path {
		if cur.kind != Directory {
			return nil, &PathError{Path: path[:i+1], Err: ErrNotADirectory}
		}
		id, ok := cur.index[name]
		if !ok {
			return nil, &PathError{Path: path[:i+1], Err: ErrNotFound}
		}
		cur = t.nodes[id]
	}
	return cur, nil
}

// Walk visits every live node reachable from the root in pre-order,
// children in insertion order. Returning an error stops the walk.
func (t *Tree) Walk(fn func(n *Node, depth int) error) error {
	root := t.Root()
	if root == nil {
		return ErrNoRoot
	}
	return t.walk(root, 0, fn)
}

func (t *Tree) walk(n *Node, depth int, fn func(*Node, int) error) error {
	if err := fn(n, depth); err != nil {
		return err
	}
	for _, id := range n.children {
		if err := t.walk(t.nodes[id], depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Seal freezes the topology. Further creation fails with ErrSealed.
func (t *Tree) Seal() {
	t.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (t *Tree) Sealed() bool {
	return t.sealed.Load()
}

// Unlink detaches a childless node from its parent and releases it. The
// root can be unlinked once it is the only node left.
func (t *Tree) Unlink(n *Node) error {
	if t.released {
		return ErrReleased
	}
	if !t.owns(n) {
		return ErrStaleNode
	}
	if len(n.children) > 0 {
		return fmt.Errorf("unlink %q: %w", n.Path(), ErrNotEmpty)
	}
	if parent := t.node(n.parent); parent != nil {
		delete(parent.index, n.name)
		for i, id := range parent.children {
			if id == n.id {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
	}
	t.release(n)
	return nil
}

func (t *Tree) release(n *Node) {
	t.live.Remove(uint64(n.id))
	t.nodes[n.id] = nil
	t.opts.Allocator.Release()
	n.children = nil
	n.index = nil
	n.content = nil
	n.nlink = 0
}

// Teardown releases every node reachable from the root, children before
// parents. It may be called once; later calls return ErrReleased.
func (t *Tree) Teardown() error {
	if t.released {
		return ErrReleased
	}
	t.released = true
	if root := t.Root(); root != nil {
		t.teardown(root)
	}
	return nil
}

func (t *Tree) teardown(n *Node) {
	for _, id := range n.children {
		if c := t.node(id); c != nil {
			t.teardown(c)
		}
	}
	t.release(n)
}
