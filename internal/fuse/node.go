// Package fuse exposes a mounted calcfs namespace through go-fuse.
package fuse

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/calcfs/internal/cache"
	"github.com/radryc/calcfs/internal/dispatch"
	"github.com/radryc/calcfs/internal/mount"
	"github.com/radryc/calcfs/internal/namespace"
	"github.com/radryc/calcfs/internal/provider"
)

const (
	blockSize = 4096

	// sequenceRenderLimit bounds one rendered counter value.
	sequenceRenderLimit = 1 << 20
)

// CalcNode wraps one namespace node for the kernel.
type CalcNode struct {
	fs.Inode

	node   *namespace.Node
	handle *mount.Handle

	// Optional metadata cache (can be nil)
	cache *cache.Cache

	logger *slog.Logger
}

var (
	_ fs.NodeLookuper  = (*CalcNode)(nil)
	_ fs.NodeGetattrer = (*CalcNode)(nil)
	_ fs.NodeReaddirer = (*CalcNode)(nil)
	_ fs.NodeOpener    = (*CalcNode)(nil)
	_ fs.NodeReader    = (*CalcNode)(nil)
	_ fs.NodeStatfser  = (*CalcNode)(nil)
)

// NewRoot wraps the handle's root directory.
func NewRoot(h *mount.Handle, c *cache.Cache, logger *slog.Logger) *CalcNode {
	if logger == nil {
		logger = slog.Default()
	}
	return &CalcNode{
		node:   h.Root(),
		handle: h,
		cache:  c,
		logger: logger.With("component", "fuse"),
	}
}

func (n *CalcNode) newChild(child *namespace.Node) *CalcNode {
	return &CalcNode{
		node:   child,
		handle: n.handle,
		cache:  n.cache,
		logger: n.logger,
	}
}

// toErrno maps core errors onto errnos.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, namespace.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, namespace.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, dispatch.ErrNotAFile):
		return syscall.EISDIR
	case errors.Is(err, namespace.ErrAllocationFailure):
		return syscall.ENOMEM
	case errors.Is(err, namespace.ErrInvalidName):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

func attrTimeout() time.Duration {
	return cache.DefaultAttrTTL
}

// recoverPanic turns a panic inside a callback into EIO.
func (n *CalcNode) recoverPanic(operation string, errno *syscall.Errno) {
	if r := recover(); r != nil {
		n.logger.Error("panic in fuse callback",
			"operation", operation,
			"path", n.node.Path(),
			"panic", r,
			"stack", string(debug.Stack()))
		*errno = syscall.EIO
	}
}

// fileType returns the S_IF* bits for a node.
func fileType(node *namespace.Node) uint32 {
	if node.IsDir() {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

// cacheable reports whether a node's attributes are stable for the life of
// the mount. Counter files change size on every read.
func cacheable(node *namespace.Node) bool {
	_, isSeq := node.Provider().(*provider.Sequence)
	return !isSeq
}

func fillAttr(node *namespace.Node, out *fuse.Attr) {
	size := node.Size()
	uid, gid := node.Owner()
	mtime := node.ModifiedAt()
	ctime := node.CreatedAt()

	out.Ino = uint64(node.ID())
	out.Mode = fileType(node) | uint32(node.Mode().Perm())
	out.Size = size
	out.Blocks = (size + 511) / 512
	out.Blksize = blockSize
	out.Nlink = node.Nlink()
	out.Owner = fuse.Owner{Uid: uid, Gid: gid}
	out.SetTimes(&mtime, &mtime, &ctime)
}

func attrFromCache(e *cache.AttrEntry, out *fuse.Attr) {
	mtime := time.Unix(e.Mtime, 0)
	ctime := time.Unix(e.Ctime, 0)
	out.Ino = e.Ino
	out.Mode = e.Mode
	out.Size = e.Size
	out.Blocks = (e.Size + 511) / 512
	out.Blksize = blockSize
	out.Nlink = e.Nlink
	out.Owner = fuse.Owner{Uid: e.Uid, Gid: e.Gid}
	out.SetTimes(&mtime, &mtime, &ctime)
}

func attrToCache(out *fuse.Attr) *cache.AttrEntry {
	return &cache.AttrEntry{
		Ino:   out.Ino,
		Mode:  out.Mode,
		Size:  out.Size,
		Mtime: int64(out.Mtime),
		Ctime: int64(out.Ctime),
		Nlink: out.Nlink,
		Uid:   out.Uid,
		Gid:   out.Gid,
	}
}

// resolve finds a direct child of this directory.
func (n *CalcNode) resolve(name string) (*namespace.Node, syscall.Errno) {
	child, err := n.handle.LookupFrom(n.node, []string{name})
	if err != nil {
		return nil, toErrno(err)
	}
	return child, 0
}

// Lookup looks up a child entry in a directory.
func (n *CalcNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (inode *fs.Inode, errno syscall.Errno) {
	defer n.recoverPanic("Lookup", &errno)
	n.logger.Debug("lookup", "path", n.node.Path(), "name", name)

	child, errno := n.resolve(name)
	if errno != 0 {
		n.logger.Debug("lookup failed", "path", n.node.Path(), "name", name, "errno", errno)
		return nil, errno
	}

	fillAttr(child, &out.Attr)
	out.SetEntryTimeout(attrTimeout())
	if cacheable(child) {
		out.SetAttrTimeout(attrTimeout())
	}

	stable := fs.StableAttr{
		Mode: fileType(child),
		Ino:  uint64(child.ID()),
	}
	return n.NewInode(ctx, n.newChild(child), stable), 0
}

// Getattr returns node attributes, from the cache when possible.
func (n *CalcNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	defer n.recoverPanic("Getattr", &errno)
	path := n.node.Path()

	if !cacheable(n.node) {
		fillAttr(n.node, &out.Attr)
		return 0
	}

	if n.cache != nil {
		if entry, err := n.cache.GetAttr(path); err == nil {
			attrFromCache(entry, &out.Attr)
			out.SetTimeout(attrTimeout())
			return 0
		}
	}

	fillAttr(n.node, &out.Attr)
	out.SetTimeout(attrTimeout())
	if n.cache != nil {
		_ = n.cache.PutAttr(path, attrToCache(&out.Attr))
	}
	return 0
}

// Readdir lists children in insertion order.
func (n *CalcNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	defer n.recoverPanic("Readdir", &errno)
	path := n.node.Path()
	n.logger.Debug("readdir", "path", path)

	if !n.node.IsDir() {
		return nil, syscall.ENOTDIR
	}

	if n.cache != nil {
		if entries, err := n.cache.GetDir(path); err == nil {
			return fs.NewListDirStream(entries), 0
		}
	}

	children := n.handle.Children(n.node)
	entries := make([]fuse.DirEntry, len(children))
	cached := make([]cache.DirEntry, len(children))
	for i, c := range children {
		mode := fileType(c) | uint32(c.Mode().Perm())
		entries[i] = fuse.DirEntry{Name: c.Name(), Mode: mode, Ino: uint64(c.ID())}
		cached[i] = cache.DirEntry{Name: c.Name(), Mode: mode, Ino: uint64(c.ID())}
	}

	if n.cache != nil {
		_ = n.cache.PutDir(path, cached)
	}
	return fs.NewListDirStream(entries), 0
}

// Open opens a file read-only. Counter files get a per-open handle so one
// open observes exactly one value.
func (n *CalcNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	defer n.recoverPanic("Open", &errno)
	n.logger.Debug("open", "path", n.node.Path(), "flags", flags)

	if n.node.IsDir() {
		return nil, 0, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}

	switch n.node.Provider().(type) {
	case *provider.Sequence:
		return &sequenceHandle{node: n.node, handle: n.handle, logger: n.logger}, fuse.FOPEN_DIRECT_IO, 0
	default:
		return nil, fuse.FOPEN_KEEP_CACHE, 0
	}
}

// Read serves file content through the read dispatcher.
func (n *CalcNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (res fuse.ReadResult, errno syscall.Errno) {
	defer n.recoverPanic("Read", &errno)
	n.logger.Debug("read", "path", n.node.Path(), "offset", off, "len", len(dest))

	if sh, ok := f.(*sequenceHandle); ok {
		return sh.Read(ctx, dest, off)
	}
	if off < 0 {
		return nil, syscall.EINVAL
	}

	data, err := n.handle.Read(n.node, uint64(off), len(dest))
	if err != nil {
		n.logger.Debug("read failed", "path", n.node.Path(), "error", err)
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

// Statfs reports namespace totals for df.
func (n *CalcNode) Statfs(ctx context.Context, out *fuse.StatfsOut) (errno syscall.Errno) {
	defer n.recoverPanic("Statfs", &errno)

	var bytes uint64
	_ = n.handle.Walk(func(node *namespace.Node, _ int) error {
		bytes += node.Size()
		return nil
	})

	out.Blocks = (bytes + blockSize - 1) / blockSize
	out.Bfree = 0
	out.Bavail = 0
	out.Files = uint64(n.handle.Len())
	out.Ffree = 0
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.NameLen = 255
	return 0
}

// sequenceHandle captures a single counter value on first read and serves
// later offsets from it, so a sequential reader sees one value then EOF.
type sequenceHandle struct {
	node   *namespace.Node
	handle *mount.Handle
	logger *slog.Logger

	mu       sync.Mutex
	snapshot []byte
	taken    bool
}

var _ fs.FileReader = (*sequenceHandle)(nil)

func (h *sequenceHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.taken {
		data, err := h.handle.Read(h.node, 0, sequenceRenderLimit)
		if err != nil {
			return nil, toErrno(err)
		}
		h.snapshot = data
		h.taken = true
		h.logger.Debug("counter advanced", "path", h.node.Path(), "value", string(data))
	}

	if off < 0 {
		return nil, syscall.EINVAL
	}
	if off >= int64(len(h.snapshot)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.snapshot)) {
		end = int64(len(h.snapshot))
	}
	return fuse.ReadResultData(h.snapshot[off:end]), 0
}
