package engine

import (
	"sync/atomic"

	"posebridge/pkg/protocol"
)

// Slot holds the most recent payload. Writers overwrite, readers take;
// neither side ever blocks.
type Slot struct {
	latest  atomic.Pointer[protocol.RawPayload]
	stored  atomic.Uint64
	dropped atomic.Uint64
}

type SlotStats struct {
	Stored  uint64
	Dropped uint64
}

func NewSlot() *Slot {
	return &Slot{}
}

// Store replaces the held payload. A payload that was never taken is
// counted as dropped.
func (s *Slot) Store(p protocol.RawPayload) {
	p.Data = append([]byte(nil), p.Data...)
	if prev := s.latest.Swap(&p); prev != nil {
		s.dropped.Add(1)
	}
	s.stored.Add(1)
}

// Take removes and returns the held payload, if any.
func (s *Slot) Take() (protocol.RawPayload, bool) {
	p := s.latest.Swap(nil)
	if p == nil {
		return protocol.RawPayload{}, false
	}
	return *p, true
}

// Peek returns the held payload without consuming it.
func (s *Slot) Peek() (protocol.RawPayload, bool) {
	p := s.latest.Load()
	if p == nil {
		return protocol.RawPayload{}, false
	}
	return *p, true
}

func (s *Slot) Stats() SlotStats {
	return SlotStats{
		Stored:  s.stored.Load(),
		Dropped: s.dropped.Load(),
	}
}
