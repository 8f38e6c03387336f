package transport_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posebridge/pkg/engine"
	"posebridge/pkg/protocol"
	"posebridge/pkg/transport"
)

type chanSink chan protocol.RawPayload

func (c chanSink) Store(p protocol.RawPayload) {
	c <- p
}

func startReceiver(t *testing.T, sink transport.Sink, opts ...transport.Option) *transport.Receiver {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r, err := transport.Listen(ctx, "127.0.0.1:0", sink, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("receiver did not shut down")
		}
	})
	return r
}

func dial(t *testing.T, r *transport.Receiver) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	return conn
}

func send(t *testing.T, r *transport.Receiver, msg string) {
	t.Helper()
	conn := dial(t, r)
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func readPayload(t *testing.T, ch <-chan protocol.RawPayload) protocol.RawPayload {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for payload")
		return protocol.RawPayload{}
	}
}

func TestListenBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = transport.Listen(context.Background(), ln.Addr().String(), engine.NewSlot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestListenRejectsUnknownFraming(t *testing.T) {
	_, err := transport.Listen(context.Background(), "127.0.0.1:0", engine.NewSlot(),
		transport.WithFraming("bogus"))
	assert.Error(t, err)
}

func TestReadToCloseJoinsSplitWrites(t *testing.T) {
	out := make(chanSink, 4)
	r := startReceiver(t, out)

	conn := dial(t, r)
	_, err := conn.Write([]byte("ignored;-1,0,"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte("0;2,1,0.5"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	p := readPayload(t, out)
	assert.Equal(t, "ignored;-1,0,0;2,1,0.5", string(p.Data))
	assert.NotEmpty(t, p.Remote)
	assert.False(t, p.Received.IsZero())
}

func TestReceiverLoopsOverConnections(t *testing.T) {
	out := make(chanSink, 4)
	r := startReceiver(t, out)

	send(t, r, "a;1,1,1;2,2,2")
	send(t, r, "b;3,3,3;4,4,4")

	assert.Equal(t, "a;1,1,1;2,2,2", string(readPayload(t, out).Data))
	assert.Equal(t, "b;3,3,3;4,4,4", string(readPayload(t, out).Data))

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(2), stats.Payloads)
}

func TestSingleReadPublishesFirstRead(t *testing.T) {
	out := make(chanSink, 4)
	r := startReceiver(t, out, transport.WithFraming(transport.FramingSingleRead))

	conn := dial(t, r)
	_, err := conn.Write([]byte("h;1,2,3;4,5,6"))
	require.NoError(t, err)

	p := readPayload(t, out)
	assert.Equal(t, "h;1,2,3;4,5,6", string(p.Data))
	_ = conn.Close()
}

func TestLineFramingSplitsCoalescedMessages(t *testing.T) {
	out := make(chanSink, 8)
	r := startReceiver(t, out, transport.WithFraming(transport.FramingLine))

	conn := dial(t, r)
	defer conn.Close()

	_, err := conn.Write([]byte("a;1,1,1;1,1,1\nb;2,2,2;2,2,2\r\nc;3,3"))
	require.NoError(t, err)
	assert.Equal(t, "a;1,1,1;1,1,1", string(readPayload(t, out).Data))
	assert.Equal(t, "b;2,2,2;2,2,2", string(readPayload(t, out).Data))

	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte(",3;3,3,3\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "c;3,3,3;3,3,3", string(readPayload(t, out).Data))
}

func TestOversizedMessageIsReportedAndLoopContinues(t *testing.T) {
	out := make(chanSink, 4)
	var mu sync.Mutex
	var errs []error
	r := startReceiver(t, out,
		transport.WithBufferSize(16),
		transport.WithErrorHandler(func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}),
	)

	conn := dial(t, r)
	_, _ = conn.Write([]byte("0123456789abcdefghijklmnop"))
	_ = conn.Close()

	send(t, r, "h;1,1,1;2,2,2")
	assert.Equal(t, "h;1,1,1;2,2,2", string(readPayload(t, out).Data))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], transport.ErrMessageTooLarge)
	assert.Equal(t, uint64(len(errs)), r.Stats().Errors)
}

func TestReadToCloseAcceptsMessageFillingBuffer(t *testing.T) {
	out := make(chanSink, 4)
	msg := "h;1,1,1;2,2,2"
	r := startReceiver(t, out, transport.WithBufferSize(len(msg)))

	send(t, r, msg)
	assert.Equal(t, msg, string(readPayload(t, out).Data))
	assert.Zero(t, r.Stats().Errors)
}

func TestReadToCloseIdlePeerDoesNotBlockLaterSenders(t *testing.T) {
	out := make(chanSink, 4)
	r := startReceiver(t, out, transport.WithReadTimeout(100*time.Millisecond))

	held := dial(t, r)
	defer held.Close()
	_, err := held.Write([]byte("a;1,1,1;2,2,2"))
	require.NoError(t, err)

	send(t, r, "b;3,3,3;4,4,4")

	assert.Equal(t, "a;1,1,1;2,2,2", string(readPayload(t, out).Data))
	assert.Equal(t, "b;3,3,3;4,4,4", string(readPayload(t, out).Data))
	assert.Zero(t, r.Stats().Errors)
}

func TestLineFramingDropsUnterminatedTail(t *testing.T) {
	out := make(chanSink, 4)
	r := startReceiver(t, out, transport.WithFraming(transport.FramingLine))

	send(t, r, "a;1,1,1;1,1,1\nh;1,1,1;2,2,0.")
	assert.Equal(t, "a;1,1,1;1,1,1", string(readPayload(t, out).Data))

	send(t, r, "b;2,2,2;2,2,2\n")
	assert.Equal(t, "b;2,2,2;2,2,2", string(readPayload(t, out).Data))
	require.Eventually(t, func() bool {
		return r.Stats().Payloads == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReceiverSurvivesReset(t *testing.T) {
	out := make(chanSink, 4)
	r := startReceiver(t, out)

	conn := dial(t, r)
	tcp, ok := conn.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.SetLinger(0))
	_, _ = conn.Write([]byte("partial"))
	require.NoError(t, conn.Close())

	send(t, r, "h;1,1,1;2,2,2")
	p := readPayload(t, out)
	if string(p.Data) == "partial" {
		p = readPayload(t, out)
	}
	assert.Equal(t, "h;1,1,1;2,2,2", string(p.Data))
}

func TestReceiverStoresIntoSlot(t *testing.T) {
	slot := engine.NewSlot()
	r := startReceiver(t, slot)

	send(t, r, "h;1,1,1;2,2,2")
	require.Eventually(t, func() bool {
		_, ok := slot.Peek()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	p, ok := slot.Take()
	require.True(t, ok)
	assert.Equal(t, "h;1,1,1;2,2,2", string(p.Data))
}

func TestCloseInterruptsBlockedRead(t *testing.T) {
	ctx := context.Background()
	r, err := transport.Listen(ctx, "127.0.0.1:0", engine.NewSlot())
	require.NoError(t, err)

	conn := dial(t, r)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return r.Stats().Accepted == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Close())
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("receiver loop still running after Close")
	}

	_, err = net.Dial("tcp", r.Addr().String())
	assert.Error(t, err)
}

func TestParseFraming(t *testing.T) {
	f, err := transport.ParseFraming(" LINE ")
	require.NoError(t, err)
	assert.Equal(t, transport.FramingLine, f)

	f, err = transport.ParseFraming("")
	require.NoError(t, err)
	assert.Equal(t, transport.FramingReadToClose, f)

	_, err = transport.ParseFraming("udp")
	assert.Error(t, err)
}
