package main

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"posebridge/pkg/protocol"
	"posebridge/pkg/transport"
)

// Synthetic motion: both wrists circle in front of the body, index
// fingers trail slightly ahead, the nose sways.
const (
	mockWristRadius  = 0.25
	mockWristFreqHz  = 0.2
	mockSwayAmp      = 0.05
	mockSwayFreqHz   = 0.13
	mockIndexReach   = 0.08
	mockShoulderY    = -0.1
	mockShoulderHalf = 0.2
	mockRightPhase   = math.Pi
)

type sendOptions struct {
	addr    string
	rate    float64
	count   int
	framing string
	timeout time.Duration
}

func newSendCmd() *cobra.Command {
	opts := sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Stream synthetic five-joint poses to a receiver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			n, err := runSender(ctx, opts)
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d poses to %s\n", n, opts.addr)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:12000", "receiver address")
	cmd.Flags().Float64Var(&opts.rate, "rate", 30, "messages per second")
	cmd.Flags().IntVar(&opts.count, "count", 0, "stop after this many messages (0 = until interrupted)")
	cmd.Flags().StringVar(&opts.framing, "framing", string(transport.FramingReadToClose), "close (one connection per message) or line")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Second, "dial and write timeout")
	return cmd
}

// runSender sends poses until ctx is done or count is reached and returns
// how many were written.
func runSender(ctx context.Context, opts sendOptions) (int, error) {
	framing, err := transport.ParseFraming(opts.framing)
	if err != nil {
		return 0, err
	}
	if framing == transport.FramingSingleRead {
		framing = transport.FramingReadToClose
	}
	if opts.rate <= 0 {
		opts.rate = 30
	}
	if opts.timeout <= 0 {
		opts.timeout = 2 * time.Second
	}

	var stream *lineStream
	if framing == transport.FramingLine {
		stream, err = dialLineStream(ctx, opts.addr, opts.timeout)
		if err != nil {
			return 0, err
		}
		defer stream.Close()
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.rate))
	defer ticker.Stop()

	start := time.Now()
	sent := 0
	for opts.count == 0 || sent < opts.count {
		msg := mockPoseMessage(time.Since(start).Seconds())
		if stream != nil {
			err = stream.Send(msg, opts.timeout)
		} else {
			err = sendOnce(ctx, opts.addr, msg, opts.timeout)
		}
		if err != nil {
			return sent, err
		}
		sent++
		if opts.count != 0 && sent >= opts.count {
			break
		}

		select {
		case <-ctx.Done():
			return sent, nil
		case <-ticker.C:
		}
	}
	return sent, nil
}

// sendOnce dials, writes one message and closes, like the tracking client.
func sendOnce(ctx context.Context, addr string, msg []byte, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("write pose: %w", err)
	}
	return nil
}

type lineStream struct {
	conn net.Conn
	w    *bufio.Writer
}

func dialLineStream(ctx context.Context, addr string, timeout time.Duration) (*lineStream, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &lineStream{conn: conn, w: bufio.NewWriter(conn)}, nil
}

func (s *lineStream) Send(msg []byte, timeout time.Duration) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := s.w.Write(msg); err != nil {
		return fmt.Errorf("write pose: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write pose: %w", err)
	}
	return s.w.Flush()
}

func (s *lineStream) Close() error {
	return s.conn.Close()
}

// mockJoints returns nose, left wrist, right wrist, left index and right
// index at time t, in the tracker's coordinate system.
func mockJoints(t float64) [5]protocol.Vec3 {
	sway := mockSwayAmp * math.Sin(2*math.Pi*mockSwayFreqHz*t)
	left := mockWrist(t, -mockShoulderHalf, 0)
	right := mockWrist(t, mockShoulderHalf, mockRightPhase)
	return [5]protocol.Vec3{
		{X: sway, Y: -0.6, Z: 0},
		left,
		right,
		left.Add(protocol.Vec3{Y: -mockIndexReach}),
		right.Add(protocol.Vec3{Y: -mockIndexReach}),
	}
}

func mockWrist(t, shoulderX, phase float64) protocol.Vec3 {
	a := 2*math.Pi*mockWristFreqHz*t + phase
	return protocol.Vec3{
		X: shoulderX + mockWristRadius*math.Cos(a),
		Y: mockShoulderY + mockWristRadius*math.Sin(a),
		Z: -0.2,
	}
}

func mockPoseMessage(t float64) []byte {
	j := mockJoints(t)
	nose := strconv.FormatFloat(j[0].X, 'g', -1, 64) + protocol.FieldSeparator +
		strconv.FormatFloat(j[0].Y, 'g', -1, 64) + protocol.FieldSeparator +
		strconv.FormatFloat(j[0].Z, 'g', -1, 64)
	return protocol.EncodePose(nose, j[1], j[2], j[3], j[4])
}
