package rig

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"posebridge/pkg/protocol"
)

var ErrMissingNode = errors.New("rig node not found")

// Source yields the newest unconsumed payload without blocking.
type Source interface {
	Take() (protocol.RawPayload, bool)
}

// Publisher receives every applied frame. It must not block.
type Publisher interface {
	Publish(Frame)
}

// Binding drives the node Node from the decoded segment Segment.
type Binding struct {
	Segment  string
	Node     string
	Required bool
}

func DefaultBindings() []Binding {
	return []Binding{
		{Segment: protocol.SegmentLeftHand, Node: "left_hand_target", Required: true},
		{Segment: protocol.SegmentRightHand, Node: "right_hand_target", Required: true},
	}
}

// NodePosition is one remapped position written onto the rig.
type NodePosition struct {
	Segment  string        `json:"segment"`
	Node     string        `json:"node"`
	Position protocol.Vec3 `json:"position"`
}

// Frame describes one successfully applied tick.
type Frame struct {
	Seq       uint64              `json:"seq"`
	Timestamp time.Time           `json:"ts"`
	Received  time.Time           `json:"received"`
	Remote    string              `json:"remote,omitempty"`
	Sample    protocol.PoseSample `json:"sample"`
	Nodes     []NodePosition      `json:"nodes"`
}

// Position returns the applied position for a node name.
func (f Frame) Position(node string) (protocol.Vec3, bool) {
	for _, n := range f.Nodes {
		if n.Node == node {
			return n.Position, true
		}
	}
	return protocol.Vec3{}, false
}

type ApplierStats struct {
	Ticks        uint64
	Applied      uint64
	Idle         uint64
	DecodeErrors uint64
	LastError    error
}

type boundTarget struct {
	Binding
	target Target
}

// Applier consumes payloads once per render tick and writes positions
// onto rig nodes. Not safe for concurrent use; call Tick from the render
// loop only.
type Applier struct {
	source    Source
	decoder   *protocol.Decoder
	remap     Remap
	bindings  []boundTarget
	publisher Publisher
	log       zerolog.Logger
	seq       uint64
	stats     ApplierStats
}

type Option func(*Applier)

func WithRemap(r Remap) Option {
	return func(a *Applier) {
		a.remap = r
	}
}

func WithDecoder(d *protocol.Decoder) Option {
	return func(a *Applier) {
		if d != nil {
			a.decoder = d
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(a *Applier) {
		a.publisher = p
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Applier) {
		a.log = l
	}
}

// NewApplier resolves bindings against r. A required node missing from the
// rig is a configuration error.
func NewApplier(r Rig, source Source, bindings []Binding, opts ...Option) (*Applier, error) {
	if r == nil {
		return nil, errors.New("rig is nil")
	}
	if source == nil {
		return nil, errors.New("payload source is nil")
	}
	if len(bindings) == 0 {
		bindings = DefaultBindings()
	}

	a := &Applier{
		source:  source,
		decoder: protocol.NewDecoder(protocol.DefaultLayout()),
		remap:   DefaultRemap(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, b := range bindings {
		target, ok := r.Lookup(b.Node)
		if !ok {
			if b.Required {
				return nil, fmt.Errorf("%w: %q for segment %q", ErrMissingNode, b.Node, b.Segment)
			}
			a.log.Warn().Str("segment", b.Segment).Str("node", b.Node).Msg("optional rig node missing, binding skipped")
			continue
		}
		a.bindings = append(a.bindings, boundTarget{Binding: b, target: target})
	}
	return a, nil
}

// Tick applies the newest payload, if there is one. It returns false when
// nothing was applied; the rig then keeps its previous pose.
func (a *Applier) Tick(now time.Time) (Frame, bool) {
	a.stats.Ticks++

	payload, ok := a.source.Take()
	if !ok {
		a.stats.Idle++
		return Frame{}, false
	}

	sample, err := a.decoder.Decode(payload.Data)
	if err != nil {
		a.stats.DecodeErrors++
		a.stats.LastError = err
		a.log.Warn().Err(err).Str("remote", payload.Remote).Int("bytes", len(payload.Data)).Msg("dropping pose payload")
		return Frame{}, false
	}

	a.seq++
	frame := Frame{
		Seq:       a.seq,
		Timestamp: now,
		Received:  payload.Received,
		Remote:    payload.Remote,
		Sample:    sample,
		Nodes:     make([]NodePosition, 0, len(a.bindings)),
	}
	for _, b := range a.bindings {
		pos, ok := sample.Lookup(b.Segment)
		if !ok {
			continue
		}
		pos = a.remap.Apply(pos)
		b.target.SetLocalPosition(pos)
		frame.Nodes = append(frame.Nodes, NodePosition{Segment: b.Segment, Node: b.Node, Position: pos})
	}
	a.stats.Applied++

	if a.publisher != nil {
		a.publisher.Publish(frame)
	}
	return frame, true
}

func (a *Applier) Stats() ApplierStats {
	return a.stats
}

func (a *Applier) Remap() Remap {
	return a.remap
}
