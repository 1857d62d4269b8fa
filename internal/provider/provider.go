// Package provider implements the content behind readable files.
//
// A Provider is a closed set: StaticBuffer for fixed bytes and Sequence for
// the Fibonacci counter. Callers dispatch on the concrete type.
package provider

import (
	"math/big"
	"sync"
)

// Provider produces the bytes of a file node.
type Provider interface {
	// Size reports the number of bytes the next read would see.
	Size() uint64

	sealed()
}

// StaticBuffer serves an immutable byte slice.
type StaticBuffer struct {
	data []byte
}

// NewStaticBuffer copies data into a new StaticBuffer.
func NewStaticBuffer(data []byte) *StaticBuffer {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &StaticBuffer{data: buf}
}

func (*StaticBuffer) sealed() {}

// Size returns the buffer length.
func (b *StaticBuffer) Size() uint64 {
	return uint64(len(b.data))
}

// Slice returns the range [offset, offset+maxLength) clamped to the buffer.
// An offset at or beyond the end yields an empty slice.
func (b *StaticBuffer) Slice(offset uint64, maxLength int) []byte {
	if maxLength <= 0 || offset >= uint64(len(b.data)) {
		return []byte{}
	}
	end := offset + uint64(maxLength)
	if end > uint64(len(b.data)) {
		end = uint64(len(b.data))
	}
	out := make([]byte, end-offset)
	copy(out, b.data[offset:end])
	return out
}

// SequenceState is the Fibonacci pair carried between reads.
// Cur is the value the next read emits.
type SequenceState struct {
	Prev *big.Int
	Cur  *big.Int
}

// SeedState returns the state whose first emitted value is seed.
func SeedState(seed uint64) SequenceState {
	return SequenceState{
		Prev: new(big.Int),
		Cur:  new(big.Int).SetUint64(seed),
	}
}

// Next is the pure generator: it renders the current value and returns the
// following state. The input state is not modified.
func Next(s SequenceState) (SequenceState, []byte) {
	rendered := render(s.Cur)
	next := SequenceState{
		Prev: new(big.Int).Set(s.Cur),
		Cur:  new(big.Int).Add(s.Prev, s.Cur),
	}
	return next, rendered
}

func render(v *big.Int) []byte {
	return append(v.Append(nil, 10), '\n')
}

// Sequence is a counter file: every read advances the state once.
type Sequence struct {
	mu    sync.Mutex
	state SequenceState
}

// NewSequence creates a Sequence whose first read returns seed.
func NewSequence(seed uint64) *Sequence {
	return &Sequence{state: SeedState(seed)}
}

func (*Sequence) sealed() {}

// Size returns the length of the value the next Advance would render.
func (s *Sequence) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.state.Cur.Text(10)) + 1)
}

// Advance steps the generator once and returns the rendered value.
func (s *Sequence) Advance() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	s.state, out = Next(s.state)
	return out
}
