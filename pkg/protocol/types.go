package protocol

import (
	"fmt"
	"time"
)

// RawPayload is one message as read off the wire, before decoding.
type RawPayload struct {
	Data     []byte
	Received time.Time
	Remote   string
}

// Vec3 is a position in the sender's or the scene's coordinate system.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", v.X, v.Y, v.Z)
}

// Quat is a rotation quaternion.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityQuat returns the no-rotation quaternion.
func IdentityQuat() Quat {
	return Quat{W: 1}
}

// Segment is one ';'-delimited entry of a pose message.
type Segment struct {
	Name        string `json:"name"`
	Raw         string `json:"raw,omitempty"`
	Position    Vec3   `json:"position"`
	HasPosition bool   `json:"has_position"`
}

// PoseSample is one decoded snapshot of tracked positions.
type PoseSample struct {
	Segments []Segment `json:"segments"`
}

// Lookup returns the position of the named segment, if it carried one.
func (s PoseSample) Lookup(name string) (Vec3, bool) {
	for _, seg := range s.Segments {
		if seg.Name == name && seg.HasPosition {
			return seg.Position, true
		}
	}
	return Vec3{}, false
}

func (s PoseSample) Left() Vec3 {
	v, _ := s.Lookup(SegmentLeftHand)
	return v
}

func (s PoseSample) Right() Vec3 {
	v, _ := s.Lookup(SegmentRightHand)
	return v
}

// Positions returns every positional segment keyed by name.
func (s PoseSample) Positions() map[string]Vec3 {
	out := make(map[string]Vec3, len(s.Segments))
	for _, seg := range s.Segments {
		if seg.HasPosition {
			out[seg.Name] = seg.Position
		}
	}
	return out
}
