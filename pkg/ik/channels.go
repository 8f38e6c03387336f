package ik

import (
	"posebridge/pkg/protocol"
	"posebridge/pkg/rig"
)

// Effector is the solver state for one hand.
type Effector struct {
	PositionWeight float64       `json:"position_weight"`
	RotationWeight float64       `json:"rotation_weight"`
	Position       protocol.Vec3 `json:"position"`
	Rotation       protocol.Quat `json:"rotation"`
}

// Channels is an in-memory Solver. Like a host animator it starts every
// IK pass from zero weights; call Reset before Evaluate.
type Channels struct {
	LookAtWeight   float64       `json:"look_at_weight"`
	LookAtPosition protocol.Vec3 `json:"look_at_position"`
	Left           Effector      `json:"left_hand"`
	Right          Effector      `json:"right_hand"`
}

var _ Solver = (*Channels)(nil)

func (c *Channels) Reset() {
	c.LookAtWeight = 0
	c.Left.PositionWeight = 0
	c.Left.RotationWeight = 0
	c.Right.PositionWeight = 0
	c.Right.RotationWeight = 0
}

func (c *Channels) effector(g Goal) *Effector {
	if g == LeftHand {
		return &c.Left
	}
	return &c.Right
}

func (c *Channels) SetLookAtWeight(w float64) {
	c.LookAtWeight = clamp01(w)
}

func (c *Channels) SetLookAtPosition(p protocol.Vec3) {
	c.LookAtPosition = p
}

func (c *Channels) SetPositionWeight(g Goal, w float64) {
	c.effector(g).PositionWeight = clamp01(w)
}

func (c *Channels) SetRotationWeight(g Goal, w float64) {
	c.effector(g).RotationWeight = clamp01(w)
}

func (c *Channels) SetPosition(g Goal, p protocol.Vec3) {
	c.effector(g).Position = p
}

func (c *Channels) SetRotation(g Goal, q protocol.Quat) {
	c.effector(g).Rotation = q
}

// Weights returns every weight in a fixed order: look-at, right position,
// right rotation, left position, left rotation.
func (c *Channels) Weights() []float64 {
	return []float64{
		c.LookAtWeight,
		c.Right.PositionWeight,
		c.Right.RotationWeight,
		c.Left.PositionWeight,
		c.Left.RotationWeight,
	}
}

func clamp01(w float64) float64 {
	return max(0, min(1, w))
}

type nodeTarget struct {
	node *rig.Node
}

func (t nodeTarget) World() Transform {
	return Transform{Position: t.node.WorldPosition(), Rotation: t.node.Rotation()}
}

// NodeTarget follows a rig node. A nil node yields a nil Target.
func NodeTarget(n *rig.Node) Target {
	if n == nil {
		return nil
	}
	return nodeTarget{node: n}
}
