package mount

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/radryc/calcfs/internal/namespace"
	"github.com/radryc/calcfs/internal/provider"
)

// HelloContent is the content of the default hello.txt.
const HelloContent = "Hello world!\n"

// Entry describes one node of a population. Parents must appear before
// their children.
type Entry struct {
	// Path is slash separated and relative to the root, e.g. "calc/fib.num".
	Path string `yaml:"path"`

	// Kind is "dir" or "file".
	Kind string `yaml:"kind"`

	// Mode overrides the default permission bits when non-zero.
	Mode uint32 `yaml:"mode,omitempty"`

	// Content makes a file a static buffer.
	Content *string `yaml:"content,omitempty"`

	// Sequence makes a file a Fibonacci counter.
	Sequence *SequenceSpec `yaml:"sequence,omitempty"`
}

// SequenceSpec configures a counter file.
type SequenceSpec struct {
	Seed uint64 `yaml:"seed"`
}

// Population is the ordered list of nodes created by a mount.
type Population struct {
	Entries []Entry `yaml:"entries"`
}

// DefaultPopulation returns the fixed population: calc/, hello.txt and
// calc/fib.num seeded at 1.
func DefaultPopulation() Population {
	hello := HelloContent
	return Population{Entries: []Entry{
		{Path: "calc", Kind: "dir"},
		{Path: "hello.txt", Kind: "file", Content: &hello},
		{Path: "calc/fib.num", Kind: "file", Sequence: &SequenceSpec{Seed: 1}},
	}}
}

// LoadPopulation reads a YAML population document.
func LoadPopulation(path string) (Population, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Population{}, fmt.Errorf("read population %s: %w", path, err)
	}
	return ParsePopulation(data)
}

// ParsePopulation decodes and validates a YAML population document.
func ParsePopulation(data []byte) (Population, error) {
	var pop Population
	if err := yaml.Unmarshal(data, &pop); err != nil {
		return Population{}, fmt.Errorf("parse population: %w", err)
	}
	if err := pop.Validate(); err != nil {
		return Population{}, err
	}
	return pop, nil
}

var errBadEntry = errors.New("invalid population entry")

// Validate checks entry kinds, paths and content. Name clashes are left to
// the tree so they surface as duplicate-name construction errors.
func (p Population) Validate() error {
	for i, e := range p.Entries {
		if _, err := e.segments(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		kind, err := e.kind()
		if err != nil {
			return fmt.Errorf("entry %d (%s): %w", i, e.Path, err)
		}
		if kind == namespace.Directory && (e.Content != nil || e.Sequence != nil) {
			return fmt.Errorf("entry %d (%s): %w: directory with content", i, e.Path, errBadEntry)
		}
		if e.Content != nil && e.Sequence != nil {
			return fmt.Errorf("entry %d (%s): %w: both content and sequence", i, e.Path, errBadEntry)
		}
		if e.Mode&^0777 != 0 {
			return fmt.Errorf("entry %d (%s): %w: mode %o", i, e.Path, errBadEntry, e.Mode)
		}
	}
	return nil
}

func (e Entry) segments() ([]string, error) {
	p := strings.Trim(e.Path, "/")
	if p == "" {
		return nil, fmt.Errorf("%w: empty path", errBadEntry)
	}
	return strings.Split(p, "/"), nil
}

func (e Entry) kind() (namespace.Kind, error) {
	switch e.Kind {
	case "dir", "directory":
		return namespace.Directory, nil
	case "file":
		return namespace.File, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", errBadEntry, e.Kind)
	}
}

// newProvider builds the entry's content provider; nil for directories and
// empty files.
func (e Entry) newProvider() provider.Provider {
	switch {
	case e.Sequence != nil:
		return provider.NewSequence(e.Sequence.Seed)
	case e.Content != nil:
		return provider.NewStaticBuffer([]byte(*e.Content))
	default:
		return nil
	}
}
