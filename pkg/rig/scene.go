package rig

import (
	"sort"

	"posebridge/pkg/protocol"
)

// Target is a rig node whose local position can be driven.
type Target interface {
	SetLocalPosition(protocol.Vec3)
}

// Rig resolves node names to drivable targets.
type Rig interface {
	Lookup(name string) (Target, bool)
}

// Node is one transform in a Scene. Nodes are owned by the foreground
// goroutine and are not safe for concurrent use.
type Node struct {
	name     string
	local    protocol.Vec3
	rotation protocol.Quat
	scene    *Scene
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) LocalPosition() protocol.Vec3 {
	return n.local
}

func (n *Node) SetLocalPosition(v protocol.Vec3) {
	n.local = v
}

func (n *Node) Rotation() protocol.Quat {
	return n.rotation
}

func (n *Node) SetRotation(q protocol.Quat) {
	n.rotation = q
}

// WorldPosition is the local position offset by the scene origin.
func (n *Node) WorldPosition() protocol.Vec3 {
	if n.scene == nil {
		return n.local
	}
	return n.scene.origin.Add(n.local)
}

// Scene is a flat in-memory rig: named nodes under a single root.
type Scene struct {
	origin protocol.Vec3
	nodes  map[string]*Node
}

func NewScene(origin protocol.Vec3, names ...string) *Scene {
	s := &Scene{
		origin: origin,
		nodes:  make(map[string]*Node, len(names)),
	}
	for _, name := range names {
		s.AddNode(name)
	}
	return s
}

// AddNode returns the named node, creating it at the local origin if needed.
func (s *Scene) AddNode(name string) *Node {
	if n, ok := s.nodes[name]; ok {
		return n
	}
	n := &Node{name: name, rotation: protocol.IdentityQuat(), scene: s}
	s.nodes[name] = n
	return n
}

func (s *Scene) Node(name string) (*Node, bool) {
	n, ok := s.nodes[name]
	return n, ok
}

func (s *Scene) Lookup(name string) (Target, bool) {
	n, ok := s.nodes[name]
	if !ok {
		return nil, false
	}
	return n, true
}

func (s *Scene) Origin() protocol.Vec3 {
	return s.origin
}

func (s *Scene) Names() []string {
	out := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
