package namespace

import "sync"

// Allocator decides whether a new node may be created. Implementations must
// return immediately; refusing is reported as ErrAllocationFailure.
type Allocator interface {
	Reserve() error
	Release()
}

// Budget is an Allocator with a fixed capacity. A zero limit is unlimited.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewBudget returns a Budget that admits at most limit live nodes.
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

func (b *Budget) Reserve() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.used >= b.limit {
		return ErrAllocationFailure
	}
	b.used++
	return nil
}

func (b *Budget) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used > 0 {
		b.used--
	}
}

// InUse returns the number of reservations currently held.
func (b *Budget) InUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// FailAfter admits n reservations over its lifetime and refuses every one
// after that, regardless of releases. Used to inject allocation failures.
type FailAfter struct {
	mu      sync.Mutex
	allowed int
	granted int
	live    int
}

func NewFailAfter(n int) *FailAfter {
	return &FailAfter{allowed: n}
}

func (f *FailAfter) Reserve() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.granted >= f.allowed {
		return ErrAllocationFailure
	}
	f.granted++
	f.live++
	return nil
}

func (f *FailAfter) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live > 0 {
		f.live--
	}
}

// Live returns reservations not yet released.
func (f *FailAfter) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}
