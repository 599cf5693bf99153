// Package transport provides an in-memory FrameSink for tests. It is not a production transport — real framing,
// multiplexing and wire encoding remain external collaborators.
package transport

import (
	"sync"

	dispatch "github.com/hanayashiki/actiondispatch"
)

// Composite is one atomically-sent group of sub-frames.
type Composite struct {
	ID     int64
	Outer  dispatch.MessageType
	Frames []dispatch.Frame
}

// MemorySink records every frame and composite sent through it, in
// order, guarded by a mutex so it is safe to read from a test goroutine
// while a Dispatcher writes from another.
type MemorySink struct {
	mu         sync.Mutex
	frames     []dispatch.Frame
	composites []Composite
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Send(f dispatch.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *MemorySink) SendComposite(id int64, outer dispatch.MessageType, subFrames []dispatch.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.composites = append(s.composites, Composite{
		ID:     id,
		Outer:  outer,
		Frames: append([]dispatch.Frame(nil), subFrames...),
	})
	return nil
}

// Frames returns every frame sent via Send, in order.
func (s *MemorySink) Frames() []dispatch.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatch.Frame(nil), s.frames...)
}

// Composites returns every composite sent via SendComposite, in order.
func (s *MemorySink) Composites() []Composite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Composite(nil), s.composites...)
}
