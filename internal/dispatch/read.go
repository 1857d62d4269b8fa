// Package dispatch routes read requests to a file node's content provider.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/radryc/calcfs/internal/namespace"
	"github.com/radryc/calcfs/internal/provider"
)

var (
	// ErrNotAFile is returned when reading a directory.
	ErrNotAFile = errors.New("not a file")
	// ErrNoProvider is returned for files without content.
	ErrNoProvider = errors.New("file has no content provider")
)

// Read returns up to maxLength bytes of node's content.
//
// Static content honours offset and reports end-of-file as an empty slice.
// Sequence content ignores offset: every call advances the counter once and
// returns the freshly rendered value, truncated to maxLength.
func Read(node *namespace.Node, offset uint64, maxLength int) ([]byte, error) {
	if node == nil {
		return nil, fmt.Errorf("read: %w", namespace.ErrStaleNode)
	}
	if node.Kind() != namespace.File {
		return nil, fmt.Errorf("read %q: %w", node.Path(), ErrNotAFile)
	}

	switch p := node.Provider().(type) {
	case *provider.StaticBuffer:
		return p.Slice(offset, maxLength), nil
	case *provider.Sequence:
		out := p.Advance()
		if maxLength < 0 {
			maxLength = 0
		}
		if len(out) > maxLength {
			out = out[:maxLength]
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("read %q: %w", node.Path(), ErrNoProvider)
	default:
		return nil, fmt.Errorf("read %q: unsupported provider %T", node.Path(), p)
	}
}
