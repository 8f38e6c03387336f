// Package ik projects an enable flag and optional targets onto an IK solver
// once per IK evaluation tick.
package ik

import (
	"sync"
	"sync/atomic"

	"posebridge/pkg/protocol"
)

// Goal selects an end effector.
type Goal int

const (
	LeftHand Goal = iota
	RightHand
)

func (g Goal) String() string {
	switch g {
	case LeftHand:
		return "left_hand"
	case RightHand:
		return "right_hand"
	default:
		return "unknown"
	}
}

// Solver is the subset of a host animator's IK API the controller drives.
type Solver interface {
	SetLookAtWeight(w float64)
	SetLookAtPosition(p protocol.Vec3)
	SetPositionWeight(g Goal, w float64)
	SetRotationWeight(g Goal, w float64)
	SetPosition(g Goal, p protocol.Vec3)
	SetRotation(g Goal, q protocol.Quat)
}

// Transform is a world-space pose.
type Transform struct {
	Position protocol.Vec3
	Rotation protocol.Quat
}

// Target yields the current world pose of something the rig should reach for.
type Target interface {
	World() Transform
}

// StaticTarget is a fixed pose.
type StaticTarget Transform

func (s StaticTarget) World() Transform {
	return Transform(s)
}

// Targets are references owned elsewhere; nil means the channel is unused.
type Targets struct {
	LeftHand  Target
	RightHand Target
	LookAt    Target
}

// Controller has two states, active and inactive, switched by a flag that
// is read once per Evaluate.
type Controller struct {
	active  atomic.Bool
	mu      sync.RWMutex
	targets Targets
}

func NewController(active bool, targets Targets) *Controller {
	c := &Controller{targets: targets}
	c.active.Store(active)
	return c
}

func (c *Controller) SetActive(active bool) {
	c.active.Store(active)
}

func (c *Controller) Active() bool {
	return c.active.Load()
}

func (c *Controller) SetTargets(t Targets) {
	c.mu.Lock()
	c.targets = t
	c.mu.Unlock()
}

func (c *Controller) Targets() Targets {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targets
}

// Evaluate writes weights and goals for this tick. When inactive every
// weight is zeroed and the animation keeps full control.
func (c *Controller) Evaluate(s Solver) {
	if s == nil {
		return
	}
	if !c.active.Load() {
		release(s, RightHand)
		release(s, LeftHand)
		s.SetLookAtWeight(0)
		return
	}

	// Channels without a target are zeroed so solvers that keep state
	// between ticks drop a target removed by SetTargets.
	t := c.Targets()
	if t.LookAt != nil {
		s.SetLookAtWeight(1)
		s.SetLookAtPosition(t.LookAt.World().Position)
	} else {
		s.SetLookAtWeight(0)
	}
	if t.RightHand != nil {
		reach(s, RightHand, t.RightHand.World())
	} else {
		release(s, RightHand)
	}
	if t.LeftHand != nil {
		reach(s, LeftHand, t.LeftHand.World())
	} else {
		release(s, LeftHand)
	}
}

func release(s Solver, g Goal) {
	s.SetPositionWeight(g, 0)
	s.SetRotationWeight(g, 0)
}

func reach(s Solver, g Goal, w Transform) {
	s.SetPositionWeight(g, 1)
	s.SetRotationWeight(g, 1)
	s.SetPosition(g, w.Position)
	s.SetRotation(g, w.Rotation)
}
