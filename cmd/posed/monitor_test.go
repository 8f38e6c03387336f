package main

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posebridge/pkg/protocol"
	"posebridge/pkg/rig"
	"posebridge/pkg/transport"
)

func TestMonitorModelShowsLatestFrame(t *testing.T) {
	frames := make(chan rig.Frame, 1)
	m := newMonitorModel(frames, func() hostStatus { return hostStatus{} }, nil)
	assert.Contains(t, m.View(), "waiting for poses")

	next, cmd := m.Update(frameMsg(rig.Frame{
		Seq:       3,
		Remote:    "10.0.0.2:4000",
		Timestamp: time.Unix(0, 0),
		Nodes: []rig.NodePosition{
			{Segment: protocol.SegmentLeftHand, Node: "left_hand_target", Position: protocol.Vec3{X: -1, Y: 0.7, Z: 0.6}},
		},
	}))
	require.NotNil(t, cmd)
	view := next.View()
	assert.Contains(t, view, "frame #3 from 10.0.0.2:4000")
	assert.Contains(t, view, "left_hand_target")
	assert.Contains(t, view, "(-1.000, 0.700, 0.600)")
}

func TestMonitorModelRendersStatus(t *testing.T) {
	m := newMonitorModel(nil, nil, nil)
	st := hostStatus{
		Addr:     "127.0.0.1:12000",
		Receiver: transport.Stats{Accepted: 4, Payloads: 3, Errors: 1},
		Applier:  rig.ApplierStats{Applied: 2, DecodeErrors: 1, LastError: errors.New("bad number")},
		IKActive: true,
	}
	st.Channels.SetLookAtWeight(1)

	next, _ := m.Update(statusMsg(st))
	view := next.View()
	assert.Contains(t, view, "127.0.0.1:12000")
	assert.Contains(t, view, "accepted=4 payloads=3 errors=1")
	assert.Contains(t, view, "last error: bad number")
	assert.Contains(t, view, "ik        active  look_at=1")
}

func TestMonitorModelKeys(t *testing.T) {
	active := false
	m := newMonitorModel(nil, nil, func() bool {
		active = !active
		return active
	})

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'i'}})
	assert.True(t, active)
	assert.Contains(t, next.View(), "ik        active")

	_, cmd := next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestMonitorModelQuitsWhenFramesClose(t *testing.T) {
	frames := make(chan rig.Frame)
	close(frames)
	m := newMonitorModel(frames, nil, nil)

	msg := m.waitFrame()()
	assert.IsType(t, framesClosedMsg{}, msg)

	next, cmd := m.Update(msg)
	require.NotNil(t, cmd)
	assert.Empty(t, next.View())
}
