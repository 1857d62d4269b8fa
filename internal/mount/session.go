// Package mount builds, publishes and tears down the namespace of one mount.
package mount

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radryc/calcfs/internal/dispatch"
	"github.com/radryc/calcfs/internal/namespace"
)

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Building
	Mounted
	Failed
	Unmounted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Mounted:
		return "mounted"
	case Failed:
		return "failed"
	case Unmounted:
		return "unmounted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrInvalidState is returned when an operation is not valid in the
	// session's current state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrConstruction matches every *ConstructionError via errors.Is.
	ErrConstruction = errors.New("mount construction failed")
)

// ConstructionError reports the step at which Begin failed. The tree has
// been rolled back by the time it is returned.
type ConstructionError struct {
	Step string
	Err  error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("mount construction failed at %s: %v", e.Step, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

func (e *ConstructionError) Is(target error) bool { return target == ErrConstruction }

// Options configures a Session.
type Options struct {
	// Population to build. Nil entries use DefaultPopulation.
	Population *Population

	// Allocator is passed to the tree. Nil means unlimited.
	Allocator namespace.Allocator

	// UID and GID own every node.
	UID uint32
	GID uint32

	// Clock stamps node times. Nil uses time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

// Session is one mount lifecycle. It replaces any process-wide filesystem
// state: the host keeps the Session and its Handle for the mount's lifetime.
type Session struct {
	id     string
	opts   Options
	pop    Population
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	tree      *namespace.Tree
	handle    *Handle
	log       []namespace.NodeID
	startedAt time.Time
	failure   error
}

// NewSession returns an Idle session.
func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	pop := DefaultPopulation()
	if opts.Population != nil {
		pop = *opts.Population
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		opts:   opts,
		pop:    pop,
		logger: opts.Logger.With("component", "mount", "session", id),
		state:  Idle,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Begin builds the tree. Either the whole population exists afterwards and
// the root handle is returned, or nothing does and a *ConstructionError is
// returned. A failed session cannot be retried; start a new one.
func (s *Session) Begin() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle {
		return nil, fmt.Errorf("begin in state %s: %w", s.state, ErrInvalidState)
	}
	s.state = Building
	s.startedAt = time.Now()
	s.logger.Debug("building namespace", "entries", len(s.pop.Entries))

	tree := namespace.NewTree(namespace.Options{
		Allocator: s.opts.Allocator,
		Clock:     s.opts.Clock,
		UID:       s.opts.UID,
		GID:       s.opts.GID,
	})
	s.tree = tree

	if err := s.build(tree); err != nil {
		s.rollback(tree)
		s.state = Failed
		s.failure = err
		s.logger.Error("mount construction failed, rolled back", "error", err)
		return nil, err
	}

	tree.Seal()
	s.log = nil
	s.handle = &Handle{session: s, tree: tree, root: tree.Root()}
	s.state = Mounted
	s.logger.Info("namespace mounted", "nodes", tree.Len())
	return s.handle, nil
}

func (s *Session) build(tree *namespace.Tree) error {
	root, err := tree.CreateRoot()
	if err != nil {
		return &ConstructionError{Step: "root", Err: err}
	}
	s.log = append(s.log, root.ID())

	for _, e := range s.pop.Entries {
		segs, err := e.segments()
		if err != nil {
			return &ConstructionError{Step: e.Path, Err: err}
		}
		kind, err := e.kind()
		if err != nil {
			return &ConstructionError{Step: e.Path, Err: err}
		}
		parent, err := tree.Lookup(root, segs[:len(segs)-1])
		if err != nil {
			return &ConstructionError{Step: e.Path, Err: err}
		}

		var opts []namespace.NodeOption
		if e.Mode != 0 {
			opts = append(opts, namespace.WithMode(os.FileMode(e.Mode)))
		}
		n, err := tree.CreateChild(parent, segs[len(segs)-1], kind, e.newProvider(), opts...)
		if err != nil {
			return &ConstructionError{Step: e.Path, Err: err}
		}
		s.log = append(s.log, n.ID())
		s.logger.Debug("created node", "path", e.Path, "id", n.ID(), "kind", kind)
	}
	return nil
}

// rollback releases every logged node in reverse creation order.
func (s *Session) rollback(tree *namespace.Tree) {
	for i := len(s.log) - 1; i >= 0; i-- {
		n, ok := tree.Get(s.log[i])
		if !ok {
			continue
		}
		if err := tree.Unlink(n); err != nil {
			s.logger.Error("rollback unlink failed", "id", s.log[i], "error", err)
		}
	}
	s.log = nil
}

// End tears down a Mounted session's tree. It fails with ErrInvalidState
// in any other state or when h does not belong to this session.
func (s *Session) End(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Mounted {
		return fmt.Errorf("end in state %s: %w", s.state, ErrInvalidState)
	}
	if h == nil || h != s.handle {
		return fmt.Errorf("end with foreign handle: %w", ErrInvalidState)
	}

	nodes := s.tree.Len()
	if err := s.tree.Teardown(); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	s.handle = nil
	s.state = Unmounted
	s.logger.Info("namespace unmounted", "released", nodes)
	return nil
}

// Tree exposes the session's tree for inspection. It is nil before Begin.
func (s *Session) Tree() *namespace.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Info is a point-in-time view of a Session.
type Info struct {
	ID        string
	State     State
	Nodes     int
	StartedAt time.Time
	Failure   error
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.id,
		State:     s.state,
		StartedAt: s.startedAt,
		Failure:   s.failure,
	}
	if s.tree != nil {
		info.Nodes = s.tree.Len()
	}
	return info
}

// WithMounted runs fn while holding the session lock, so End cannot tear the
// tree down underneath it. It fails with ErrInvalidState unless Mounted.
func (s *Session) WithMounted(fn func(h *Handle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Mounted {
		return fmt.Errorf("session %s: %w", s.state, ErrInvalidState)
	}
	return fn(s.handle)
}

// Handle is the published root of a mounted session. Lookups and reads go
// through it without taking the session lock; the topology is sealed.
type Handle struct {
	session *Session
	tree    *namespace.Tree
	root    *namespace.Node
}

// Root returns the root directory node.
func (h *Handle) Root() *namespace.Node { return h.root }

// Session returns the owning session.
func (h *Handle) Session() *Session { return h.session }

// Lookup resolves path from the root.
func (h *Handle) Lookup(path []string) (*namespace.Node, error) {
	return h.tree.Lookup(h.root, path)
}

// LookupFrom resolves path relative to dir.
func (h *Handle) LookupFrom(dir *namespace.Node, path []string) (*namespace.Node, error) {
	return h.tree.Lookup(dir, path)
}

// Children lists dir in insertion order.
func (h *Handle) Children(dir *namespace.Node) []*namespace.Node {
	return h.tree.Children(dir)
}

// Read dispatches a read against node.
func (h *Handle) Read(node *namespace.Node, offset uint64, maxLength int) ([]byte, error) {
	return dispatch.Read(node, offset, maxLength)
}

// Walk visits every node in pre-order.
func (h *Handle) Walk(fn func(n *namespace.Node, depth int) error) error {
	return h.tree.Walk(fn)
}

// Len returns the number of live nodes.
func (h *Handle) Len() int { return h.tree.Len() }
