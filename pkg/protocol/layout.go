package protocol

import (
	"fmt"
	"strings"
)

const (
	SegmentHeader     = "header"
	SegmentLeftHand   = "left_hand"
	SegmentRightHand  = "right_hand"
	SegmentLeftIndex  = "left_index"
	SegmentRightIndex = "right_index"
)

const (
	headerIndex    = 0
	leftHandIndex  = 1
	rightHandIndex = 2
	minSegments    = 3
)

// Layout names the segments of a pose message by position.
// Index 0 is reserved and never decoded; indices 1 and 2 are the hands.
type Layout struct {
	names []string
}

// DefaultLayout matches the tracking sender: nose, wrists, index fingers.
func DefaultLayout() Layout {
	return Layout{names: []string{
		SegmentHeader,
		SegmentLeftHand,
		SegmentRightHand,
		SegmentLeftIndex,
		SegmentRightIndex,
	}}
}

// NewLayout validates and builds a layout from segment names.
func NewLayout(names []string) (Layout, error) {
	if len(names) < minSegments {
		return Layout{}, fmt.Errorf("layout needs at least %d segments, got %d", minSegments, len(names))
	}
	if names[leftHandIndex] != SegmentLeftHand || names[rightHandIndex] != SegmentRightHand {
		return Layout{}, fmt.Errorf("layout segments 1 and 2 must be %q and %q", SegmentLeftHand, SegmentRightHand)
	}

	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for i, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			return Layout{}, fmt.Errorf("layout segment %d has empty name", i)
		}
		if _, dup := seen[name]; dup {
			return Layout{}, fmt.Errorf("duplicate layout segment %q", name)
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return Layout{names: out}, nil
}

// Name returns the segment name at index i.
func (l Layout) Name(i int) string {
	if i >= 0 && i < len(l.names) {
		return l.names[i]
	}
	return fmt.Sprintf("segment_%d", i)
}

// Len reports the number of named segments.
func (l Layout) Len() int {
	return len(l.names)
}

// Names returns a copy of the segment names.
func (l Layout) Names() []string {
	return append([]string(nil), l.names...)
}

func (l Layout) required(i int) bool {
	return i == leftHandIndex || i == rightHandIndex
}

func (l Layout) positional(i int) bool {
	return i != headerIndex && i < len(l.names)
}
