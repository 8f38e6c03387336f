package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"posebridge/pkg/rig"
)

const monitorRefresh = 200 * time.Millisecond

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	flags := &serveFlags{}
	var logFile string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the host with a live terminal view of the rig",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			var logOut io.Writer = io.Discard
			if logFile != "" {
				f, err := os.Create(logFile)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer f.Close()
				logOut = f
			}
			log, err := newLogger(logOut, cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			h, err := newHost(ctx, cfg, log)
			if err != nil {
				return err
			}
			frames := h.hub.Subscribe()
			hostErr := make(chan error, 1)
			go func() {
				hostErr <- h.run(ctx)
			}()

			p := tea.NewProgram(
				newMonitorModel(frames, h.Status, h.toggleIK),
				tea.WithOutput(cmd.OutOrStdout()),
				tea.WithAltScreen(),
			)
			go func() {
				<-ctx.Done()
				p.Quit()
			}()

			_, err = p.Run()
			cancel()
			if herr := <-hostErr; err == nil {
				err = herr
			}
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file instead of discarding them")
	return cmd
}

func (h *host) toggleIK() bool {
	next := !h.ik.Active()
	h.ik.SetActive(next)
	return next
}

type frameMsg rig.Frame

type statusMsg hostStatus

type framesClosedMsg struct{}

type monitorModel struct {
	frames   <-chan rig.Frame
	status   func() hostStatus
	toggleIK func() bool
	frame    rig.Frame
	hasFrame bool
	st       hostStatus
	quitting bool
}

func newMonitorModel(frames <-chan rig.Frame, status func() hostStatus, toggleIK func() bool) monitorModel {
	return monitorModel{frames: frames, status: status, toggleIK: toggleIK}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.waitFrame(), m.pollStatus())
}

func (m monitorModel) waitFrame() tea.Cmd {
	frames := m.frames
	return func() tea.Msg {
		frame, ok := <-frames
		if !ok {
			return framesClosedMsg{}
		}
		return frameMsg(frame)
	}
}

func (m monitorModel) pollStatus() tea.Cmd {
	status := m.status
	return tea.Tick(monitorRefresh, func(time.Time) tea.Msg {
		return statusMsg(status())
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "i":
			if m.toggleIK != nil {
				m.st.IKActive = m.toggleIK()
			}
		}
		return m, nil
	case frameMsg:
		m.frame = rig.Frame(msg)
		m.hasFrame = true
		return m, m.waitFrame()
	case statusMsg:
		m.st = hostStatus(msg)
		return m, m.pollStatus()
	case framesClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "posebridge monitor  %s  (i: toggle IK, q: quit)\n\n", m.st.Addr)

	if !m.hasFrame {
		b.WriteString("waiting for poses...\n")
	} else {
		fmt.Fprintf(&b, "frame #%d from %s at %s\n", m.frame.Seq, m.frame.Remote, m.frame.Timestamp.Format("15:04:05.000"))
		for _, n := range m.frame.Nodes {
			fmt.Fprintf(&b, "  %-20s %-12s %s\n", n.Node, n.Segment, n.Position)
		}
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "receiver  accepted=%d payloads=%d errors=%d\n", m.st.Receiver.Accepted, m.st.Receiver.Payloads, m.st.Receiver.Errors)
	fmt.Fprintf(&b, "slot      stored=%d dropped=%d\n", m.st.Slot.Stored, m.st.Slot.Dropped)
	fmt.Fprintf(&b, "rig       applied=%d idle=%d decode_errors=%d\n", m.st.Applier.Applied, m.st.Applier.Idle, m.st.Applier.DecodeErrors)
	if m.st.Applier.LastError != nil {
		fmt.Fprintf(&b, "          last error: %v\n", m.st.Applier.LastError)
	}

	state := "inactive"
	if m.st.IKActive {
		state = "active"
	}
	w := m.st.Channels.Weights()
	fmt.Fprintf(&b, "ik        %s  look_at=%.0f right=%.0f/%.0f left=%.0f/%.0f\n", state, w[0], w[1], w[2], w[3], w[4])
	if m.st.IKActive {
		fmt.Fprintf(&b, "          left goal %s  right goal %s\n", m.st.Channels.Left.Position, m.st.Channels.Right.Position)
	}
	return b.String()
}
