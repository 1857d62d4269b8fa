package namespace

import (
	"errors"
	"strings"
)

var (
	// ErrAllocationFailure is returned when the allocator refuses a node.
	ErrAllocationFailure = errors.New("node allocation failed")

	// ErrDuplicateName is returned when a sibling already has the name.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrInvalidName is returned for empty names, "." / "..", or names containing '/'.
	ErrInvalidName = errors.New("invalid name")

	// ErrNotFound is returned when a path segment does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrNotADirectory is returned when descending through a file.
	ErrNotADirectory = errors.New("not a directory")

	ErrRootExists = errors.New("root already exists")
	ErrNoRoot     = errors.New("tree has no root")
	ErrDirContent = errors.New("directories cannot carry content")
	ErrNotEmpty   = errors.New("directory not empty")
	ErrSealed     = errors.New("tree is sealed")
	ErrReleased   = errors.New("tree already released")
	ErrStaleNode  = errors.New("node is not live in this tree")
)

// PathError records the path at which a lookup failed.
type PathError struct {
	Path []string
	Err  error
}

func (e *PathError) Error() string {
	return "lookup /" + strings.Join(e.Path, "/") + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }
