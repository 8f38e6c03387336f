package rig

import "posebridge/pkg/protocol"

// Remap converts the sender's coordinate convention into the scene's.
type Remap struct {
	InvertX float64 `json:"invert_x"`
	OffsetY float64 `json:"offset_y"`
	OffsetZ float64 `json:"offset_z"`
}

// DefaultRemap mirrors X and lifts the tracker origin to chest height in
// front of the avatar.
func DefaultRemap() Remap {
	return Remap{InvertX: -1, OffsetY: 0.7, OffsetZ: 0.6}
}

func (r Remap) Apply(v protocol.Vec3) protocol.Vec3 {
	return protocol.Vec3{
		X: v.X * r.InvertX,
		Y: v.Y + r.OffsetY,
		Z: v.Z + r.OffsetZ,
	}
}
