package fuse

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/calcfs/internal/cache"
	"github.com/radryc/calcfs/internal/mount"
	"github.com/radryc/calcfs/internal/namespace"
)

// Options configures Mount.
type Options struct {
	Mountpoint string

	// Population to build. Nil uses mount.DefaultPopulation.
	Population *mount.Population

	// Allocator bounds node allocation. Nil is unlimited.
	Allocator namespace.Allocator

	// Optional metadata cache (can be nil)
	Cache *cache.Cache

	UID uint32
	GID uint32

	AllowOther bool
	Debug      bool

	Logger *slog.Logger
}

// Server is a mounted calcfs filesystem and the session backing it.
type Server struct {
	server     *fuse.Server
	session    *mount.Session
	handle     *mount.Handle
	mountpoint string
	logger     *slog.Logger

	done        chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

// Mount builds the namespace and attaches it at opts.Mountpoint. If the
// kernel mount fails the namespace is torn down again before returning.
func Mount(opts Options) (*Server, error) {
	if opts.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "server")

	if err := os.MkdirAll(opts.Mountpoint, 0755); err != nil {
		return nil, fmt.Errorf("create mountpoint: %w", err)
	}

	session := mount.NewSession(mount.Options{
		Population: opts.Population,
		Allocator:  opts.Allocator,
		UID:        opts.UID,
		GID:        opts.GID,
		Logger:     opts.Logger,
	})
	h, err := session.Begin()
	if err != nil {
		return nil, fmt.Errorf("build namespace: %w", err)
	}

	root := NewRoot(h, opts.Cache, opts.Logger)
	fsOpts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      opts.Debug,
			FsName:     "calcfs",
			Name:       "calcfs",
			AllowOther: opts.AllowOther,
			Options:    []string{"ro"},
		},
		UID: opts.UID,
		GID: opts.GID,
	}

	srv, err := fs.Mount(opts.Mountpoint, root, fsOpts)
	if err != nil {
		if endErr := session.End(h); endErr != nil {
			logger.Error("failed to release namespace after mount error", "error", endErr)
		}
		return nil, fmt.Errorf("mount %s: %w", opts.Mountpoint, err)
	}

	logger.Info("filesystem mounted",
		"mountpoint", opts.Mountpoint,
		"session", session.ID(),
		"nodes", h.Len())

	return &Server{
		server:     srv,
		session:    session,
		handle:     h,
		mountpoint: opts.Mountpoint,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Session returns the session backing the mount.
func (s *Server) Session() *mount.Session { return s.session }

// Mountpoint returns the directory the filesystem is attached to.
func (s *Server) Mountpoint() string { return s.mountpoint }

// Wait blocks until the kernel detaches the filesystem, then releases the
// namespace. It returns the teardown error, if any.
func (s *Server) Wait() error {
	s.server.Wait()
	s.release()
	return s.releaseErr
}

// Unmount detaches the filesystem. It is a no-op once Wait has returned.
func (s *Server) Unmount() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if err := s.server.Unmount(); err != nil {
		return fmt.Errorf("unmount %s: %w", s.mountpoint, err)
	}
	return nil
}

func (s *Server) release() {
	s.releaseOnce.Do(func() {
		close(s.done)
		s.releaseErr = s.session.End(s.handle)
		if s.releaseErr != nil {
			s.logger.Error("namespace teardown failed", "error", s.releaseErr)
			return
		}
		s.logger.Info("filesystem unmounted", "mountpoint", s.mountpoint)
	})
}
