package namespace

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/radryc/calcfs/internal/provider"
)

func newTestTree(t *testing.T, alloc Allocator) (*Tree, *Node) {
	t.Helper()
	tree := NewTree(Options{Allocator: alloc})
	root, err := tree.CreateRoot()
	if err != nil {
		t.Fatalf("CreateRoot failed: %v", err)
	}
	return tree, root
}

func TestCreateRoot(t *testing.T) {
	tree, root := newTestTree(t, nil)

	if root.ID() != RootID {
		t.Errorf("root id = %d, want %d", root.ID(), RootID)
	}
	if !root.IsDir() {
		t.Error("root should be a directory")
	}
	if root.Parent() != 0 {
		t.Errorf("root parent = %d, want 0", root.Parent())
	}
	if root.Path() != "" {
		t.Errorf("root path = %q, want empty", root.Path())
	}
	if tree.Len() != 1 {
		t.Errorf("Len = %d, want 1", tree.Len())
	}

	if _, err := tree.CreateRoot(); !errors.Is(err, ErrRootExists) {
		t.Errorf("second CreateRoot: got %v, want ErrRootExists", err)
	}
}

func TestCreateRoot_AllocationFailure(t *testing.T) {
	tree := NewTree(Options{Allocator: NewFailAfter(0)})
	if _, err := tree.CreateRoot(); !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("got %v, want ErrAllocationFailure", err)
	}
	if tree.Len() != 0 {
		t.Errorf("Len = %d after failed root", tree.Len())
	}
}

func TestCreateChild_RoundTrip(t *testing.T) {
	tree, root := newTestTree(t, nil)

	dir, err := tree.CreateChild(root, "calc", Directory, nil)
	if err != nil {
		t.Fatalf("CreateChild dir failed: %v", err)
	}
	file, err := tree.CreateChild(dir, "fib.num", File, provider.NewSequence(1))
	if err != nil {
		t.Fatalf("CreateChild file failed: %v", err)
	}

	got, err := tree.Lookup(dir, []string{"fib.num"})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != file {
		t.Error("Lookup returned a different node than CreateChild")
	}

	got, err = tree.Lookup(root, []string{"calc", "fib.num"})
	if err != nil || got != file {
		t.Errorf("Lookup from root: node=%v err=%v", got, err)
	}
	if file.Path() != "calc/fib.num" {
		t.Errorf("Path = %q, want calc/fib.num", file.Path())
	}
	if file.Parent() != dir.ID() {
		t.Errorf("Parent = %d, want %d", file.Parent(), dir.ID())
	}
}

func TestCreateChild_Defaults(t *testing.T) {
	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tree := NewTree(Options{Clock: func() time.Time { return stamp }, UID: 7, GID: 8})
	root, _ := tree.CreateRoot()

	dir, _ := tree.CreateChild(root, "d", Directory, nil)
	file, _ := tree.CreateChild(root, "f", File, provider.NewStaticBuffer([]byte("x")))
	custom, _ := tree.CreateChild(root, "ro", File, nil, WithMode(0444))

	if dir.Mode() != DefaultDirMode {
		t.Errorf("dir mode = %o", dir.Mode())
	}
	if file.Mode() != DefaultFileMode {
		t.Errorf("file mode = %o", file.Mode())
	}
	if custom.Mode() != 0444 {
		t.Errorf("custom mode = %o", custom.Mode())
	}
	if uid, gid := file.Owner(); uid != 7 || gid != 8 {
		t.Errorf("owner = %d:%d, want 7:8", uid, gid)
	}
	if !file.CreatedAt().Equal(stamp) || !file.ModifiedAt().Equal(stamp) {
		t.Errorf("timestamps not taken from clock: %v %v", file.CreatedAt(), file.ModifiedAt())
	}
	if file.Nlink() != 1 {
		t.Errorf("file nlink = %d, want 1", file.Nlink())
	}
	// root: self link, plus ".." of d
	if root.Nlink() != 3 {
		t.Errorf("root nlink = %d, want 3", root.Nlink())
	}
	if dir.Nlink() != 2 {
		t.Errorf("dir nlink = %d, want 2", dir.Nlink())
	}
	if file.Size() != 1 || dir.Size() != 0 {
		t.Errorf("sizes: file=%d dir=%d", file.Size(), dir.Size())
	}
}

func TestCreateChild_Errors(t *testing.T) {
	tree, root := newTestTree(t, nil)
	file, err := tree.CreateChild(root, "hello.txt", File, provider.NewStaticBuffer(nil))
	if err != nil {
		t.Fatalf("CreateChild failed: %v", err)
	}

	tests := []struct {
		name    string
		parent  *Node
		child   string
		kind    Kind
		content provider.Provider
		want    error
	}{
		{"duplicate", root, "hello.txt", File, nil, ErrDuplicateName},
		{"duplicate other kind", root, "hello.txt", Directory, nil, ErrDuplicateName},
		{"under file", file, "x", File, nil, ErrNotADirectory},
		{"empty name", root, "", File, nil, ErrInvalidName},
		{"slash", root, "a/b", File, nil, ErrInvalidName},
		{"dot", root, ".", Directory, nil, ErrInvalidName},
		{"dotdot", root, "..", Directory, nil, ErrInvalidName},
		{"bad utf8", root, "\xff", File, nil, ErrInvalidName},
		{"dir with content", root, "d", Directory, provider.NewSequence(1), ErrDirContent},
		{"nil parent", nil, "x", File, nil, ErrStaleNode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tree.CreateChild(tt.parent, tt.child, tt.kind, tt.content)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if tree.Len() != 2 {
		t.Errorf("failed creates changed the tree: Len = %d", tree.Len())
	}
}

func TestCreateChild_ForeignParent(t *testing.T) {
	_, otherRoot := newTestTree(t, nil)
	tree, _ := newTestTree(t, nil)

	if _, err := tree.CreateChild(otherRoot, "x", File, nil); !errors.Is(err, ErrStaleNode) {
		t.Errorf("got %v, want ErrStaleNode", err)
	}
}

func TestCreateChild_AllocationFailure(t *testing.T) {
	tree, root := newTestTree(t, NewBudget(2))

	if _, err := tree.CreateChild(root, "a", File, nil); err != nil {
		t.Fatalf("first child: %v", err)
	}
	if _, err := tree.CreateChild(root, "b", File, nil); !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("got %v, want ErrAllocationFailure", err)
	}
	if len(tree.Children(root)) != 1 {
		t.Errorf("failed allocation left a child behind")
	}
}

func TestChildren_InsertionOrder(t *testing.T) {
	tree, root := newTestTree(t, nil)
	names := []string{"zeta", "alpha", "Mid", "beta"}
	for _, n := range names {
		if _, err := tree.CreateChild(root, n, File, nil); err != nil {
			t.Fatalf("CreateChild %s: %v", n, err)
		}
	}

	children := tree.Children(root)
	if len(children) != len(names) {
		t.Fatalf("got %d children, want %d", len(children), len(names))
	}
	for i, c := range children {
		if c.Name() != names[i] {
			t.Errorf("child %d = %q, want %q", i, c.Name(), names[i])
		}
	}
}

func TestLookup(t *testing.T) {
	tree, root := newTestTree(t, nil)
	calc, _ := tree.CreateChild(root, "calc", Directory, nil)
	hello, _ := tree.CreateChild(root, "hello.txt", File, nil)
	tree.CreateChild(calc, "fib.num", File, nil)

	got, err := tree.Lookup(root, nil)
	if err != nil || got != root {
		t.Errorf("empty path: node=%v err=%v", got, err)
	}
	got, err = tree.Lookup(root, []string{})
	if err != nil || got != root {
		t.Errorf("zero-length path: node=%v err=%v", got, err)
	}

	tests := []struct {
		name string
		path []string
		want error
	}{
		{"missing", []string{"nope"}, ErrNotFound},
		{"case sensitive", []string{"Hello.txt"}, ErrNotFound},
		{"partial", []string{"hello"}, ErrNotFound},
		{"missing nested", []string{"calc", "nope"}, ErrNotFound},
		{"through file", []string{"hello.txt", "x"}, ErrNotADirectory},
		{"empty segment", []string{""}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tree.Lookup(root, tt.path)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var pe *PathError
			if !errors.As(err, &pe) {
				t.Fatalf("error %T is not a *PathError", err)
			}
		})
	}

	got, err = tree.Lookup(hello, nil)
	if err != nil || got != hello {
		t.Errorf("empty path from file: node=%v err=%v", got, err)
	}
}

func TestUnlink(t *testing.T) {
	budget := NewBudget(0)
	tree, root := newTestTree(t, budget)
	dir, _ := tree.CreateChild(root, "d", Directory, nil)
	file, _ := tree.CreateChild(dir, "f", File, nil)

	if err := tree.Unlink(dir); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("unlink non-empty dir: got %v", err)
	}
	if err := tree.Unlink(file); err != nil {
		t.Fatalf("unlink file: %v", err)
	}
	if _, err := tree.Lookup(dir, []string{"f"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unlinked file still resolvable: %v", err)
	}
	if err := tree.Unlink(file); !errors.Is(err, ErrStaleNode) {
		t.Errorf("double unlink: got %v", err)
	}
	if err := tree.Unlink(dir); err != nil {
		t.Fatalf("unlink empty dir: %v", err)
	}
	if err := tree.Unlink(root); err != nil {
		t.Fatalf("unlink root: %v", err)
	}
	if tree.Len() != 0 {
		t.Errorf("Len = %d, want 0", tree.Len())
	}
	if budget.InUse() != 0 {
		t.Errorf("allocator still holds %d reservations", budget.InUse())
	}
}

func TestIDsNeverReused(t *testing.T) {
	tree, root := newTestTree(t, nil)
	a, _ := tree.CreateChild(root, "a", File, nil)
	if err := tree.Unlink(a); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	b, _ := tree.CreateChild(root, "a", File, nil)
	if b.ID() == a.ID() {
		t.Errorf("id %d reused after release", a.ID())
	}
	if b.ID() <= a.ID() {
		t.Errorf("ids not monotonic: %d after %d", b.ID(), a.ID())
	}
	if _, ok := tree.Get(a.ID()); ok {
		t.Error("released id still resolvable")
	}
}

func TestTeardown(t *testing.T) {
	budget := NewBudget(0)
	tree, root := newTestTree(t, budget)
	calc, _ := tree.CreateChild(root, "calc", Directory, nil)
	tree.CreateChild(root, "hello.txt", File, provider.NewStaticBuffer([]byte("hi")))
	tree.CreateChild(calc, "fib.num", File, provider.NewSequence(1))
	deep := calc
	for _, name := range []string{"x", "y", "z"} {
		deep, _ = tree.CreateChild(deep, name, Directory, nil)
	}

	if tree.Len() != 7 {
		t.Fatalf("Len = %d, want 7", tree.Len())
	}

	if err := tree.Teardown(); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if tree.Len() != 0 {
		t.Errorf("Len = %d after teardown", tree.Len())
	}
	if budget.InUse() != 0 {
		t.Errorf("allocator holds %d reservations after teardown", budget.InUse())
	}
	if tree.Root() != nil {
		t.Error("root still present after teardown")
	}
	if err := tree.Teardown(); !errors.Is(err, ErrReleased) {
		t.Errorf("second Teardown: got %v, want ErrReleased", err)
	}
	if _, err := tree.Lookup(root, nil); !errors.Is(err, ErrStaleNode) {
		t.Errorf("lookup after teardown: got %v", err)
	}
}

func TestSeal(t *testing.T) {
	tree, root := newTestTree(t, nil)
	tree.Seal()
	if !tree.Sealed() {
		t.Fatal("Sealed() = false after Seal")
	}
	if _, err := tree.CreateChild(root, "late", File, nil); !errors.Is(err, ErrSealed) {
		t.Errorf("got %v, want ErrSealed", err)
	}
}

func TestWalk(t *testing.T) {
	tree, root := newTestTree(t, nil)
	calc, _ := tree.CreateChild(root, "calc", Directory, nil)
	tree.CreateChild(root, "hello.txt", File, nil)
	tree.CreateChild(calc, "fib.num", File, nil)

	var paths []string
	var depths []int
	err := tree.Walk(func(n *Node, depth int) error {
		paths = append(paths, n.Path())
		depths = append(depths, depth)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}

	wantPaths := []string{"", "calc", "calc/fib.num", "hello.txt"}
	wantDepths := []int{0, 1, 2, 1}
	if len(paths) != len(wantPaths) {
		t.Fatalf("visited %v, want %v", paths, wantPaths)
	}
	for i := range wantPaths {
		if paths[i] != wantPaths[i] || depths[i] != wantDepths[i] {
			t.Errorf("visit %d = %q@%d, want %q@%d", i, paths[i], depths[i], wantPaths[i], wantDepths[i])
		}
	}

	stop := errors.New("stop")
	count := 0
	err = tree.Walk(func(*Node, int) error {
		count++
		return stop
	})
	if !errors.Is(err, stop) || count != 1 {
		t.Errorf("Walk did not stop: err=%v count=%d", err, count)
	}
}

func TestLookup_ConcurrentAfterSeal(t *testing.T) {
	tree, root := newTestTree(t, nil)
	calc, _ := tree.CreateChild(root, "calc", Directory, nil)
	fib, _ := tree.CreateChild(calc, "fib.num", File, nil)
	tree.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				n, err := tree.Lookup(root, []string{"calc", "fib.num"})
				if err != nil || n != fib {
					t.Errorf("concurrent lookup: node=%v err=%v", n, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestLiveIDs(t *testing.T) {
	tree, root := newTestTree(t, nil)
	a, _ := tree.CreateChild(root, "a", File, nil)
	b, _ := tree.CreateChild(root, "b", File, nil)
	tree.Unlink(a)

	ids := tree.LiveIDs()
	if len(ids) != 2 || ids[0] != RootID || ids[1] != b.ID() {
		t.Errorf("LiveIDs = %v, want [%d %d]", ids, RootID, b.ID())
	}
}
