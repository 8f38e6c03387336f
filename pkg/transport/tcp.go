package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"posebridge/pkg/protocol"
)

// Framing decides where one pose message ends on a connection.
type Framing string

const (
	// FramingSingleRead publishes whatever one Read returns, then closes.
	FramingSingleRead Framing = "single"
	// FramingReadToClose reads one message per connection until the peer closes.
	FramingReadToClose Framing = "close"
	// FramingLine keeps the connection and publishes each '\n'-terminated line.
	FramingLine Framing = "line"
)

var ErrMessageTooLarge = errors.New("message exceeds read buffer")

func ParseFraming(s string) (Framing, error) {
	switch f := Framing(strings.ToLower(strings.TrimSpace(s))); f {
	case FramingSingleRead, FramingReadToClose, FramingLine:
		return f, nil
	case "":
		return FramingReadToClose, nil
	default:
		return "", fmt.Errorf("unknown framing %q (want single, close or line)", s)
	}
}

// Sink receives every complete payload. Store must not block.
type Sink interface {
	Store(protocol.RawPayload)
}

type Stats struct {
	Accepted uint64
	Payloads uint64
	Errors   uint64
}

// Receiver accepts pose senders one connection at a time and hands each
// complete message to a Sink.
type Receiver struct {
	ln           net.Listener
	sink         Sink
	framing      Framing
	bufSize      int
	readTimeout  time.Duration
	backoff      time.Duration
	backoffMax   time.Duration
	errorHandler func(error)
	log          zerolog.Logger

	buf []byte

	mu      sync.Mutex
	conn    net.Conn
	closing atomic.Bool
	once    sync.Once
	quit    chan struct{}
	done    chan struct{}

	accepted atomic.Uint64
	payloads atomic.Uint64
	errs     atomic.Uint64
}

type Option func(*Receiver)

func WithFraming(f Framing) Option {
	return func(r *Receiver) {
		if f != "" {
			r.framing = f
		}
	}
}

func WithBufferSize(n int) Option {
	return func(r *Receiver) {
		if n > 0 {
			r.bufSize = n
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(r *Receiver) {
		if d > 0 {
			r.readTimeout = d
		}
	}
}

func WithBackoff(d time.Duration, limit time.Duration) Option {
	return func(r *Receiver) {
		if d > 0 {
			r.backoff = d
		}
		if limit > 0 {
			r.backoffMax = limit
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(r *Receiver) {
		if fn != nil {
			r.errorHandler = fn
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Receiver) {
		r.log = l
	}
}

// Listen binds addr and starts the accept loop in the background. A bind
// failure is returned; nothing is started in that case. The loop stops
// when ctx is cancelled or Close is called.
func Listen(ctx context.Context, addr string, sink Sink, opts ...Option) (*Receiver, error) {
	if sink == nil {
		return nil, errors.New("payload sink is nil")
	}

	r := &Receiver{
		sink:       sink,
		framing:    FramingReadToClose,
		bufSize:    64 * 1024,
		backoff:    time.Second,
		backoffMax: 30 * time.Second,
		log:        zerolog.Nop(),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := ParseFraming(string(r.framing)); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	r.ln = ln
	r.buf = make([]byte, r.bufSize)

	go r.run(ctx)
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-r.done:
		}
	}()

	r.log.Info().Str("addr", ln.Addr().String()).Str("framing", string(r.framing)).Msg("pose receiver listening")
	return r, nil
}

func (r *Receiver) Addr() net.Addr {
	return r.ln.Addr()
}

// Close stops accepting, drops the active connection and releases the
// listening socket. It does not wait for the loop; use Wait for that.
func (r *Receiver) Close() error {
	var err error
	r.once.Do(func() {
		r.closing.Store(true)
		close(r.quit)
		err = r.ln.Close()
		r.mu.Lock()
		if r.conn != nil {
			_ = r.conn.Close()
		}
		r.mu.Unlock()
	})
	return err
}

// Done is closed once the accept loop has exited.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

func (r *Receiver) Wait() {
	<-r.done
}

func (r *Receiver) Stats() Stats {
	return Stats{
		Accepted: r.accepted.Load(),
		Payloads: r.payloads.Load(),
		Errors:   r.errs.Load(),
	}
}

func (r *Receiver) run(ctx context.Context) {
	defer close(r.done)

	attempt := 0
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if r.stopped(ctx) {
				return
			}
			r.handleError(fmt.Errorf("accept: %w", err))
			attempt++
			r.sleepBackoff(ctx, attempt)
			continue
		}
		attempt = 0
		r.accepted.Add(1)

		if !r.track(conn) {
			_ = conn.Close()
			return
		}
		err = r.serve(conn)
		_ = conn.Close()
		r.track(nil)

		if r.stopped(ctx) {
			return
		}
		if err != nil {
			r.handleError(fmt.Errorf("read %s: %w", conn.RemoteAddr(), err))
		}
	}
}

// track records the active connection so Close can interrupt a blocked
// read. It reports false if the receiver is already closing.
func (r *Receiver) track(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
	return conn == nil || !r.closing.Load()
}

func (r *Receiver) stopped(ctx context.Context) bool {
	return r.closing.Load() || ctx.Err() != nil
}

func (r *Receiver) serve(conn net.Conn) error {
	remote := conn.RemoteAddr().String()
	switch r.framing {
	case FramingSingleRead:
		return r.serveSingleRead(conn, remote)
	case FramingLine:
		return r.serveLines(conn, remote)
	default:
		return r.serveReadToClose(conn, remote)
	}
}

func (r *Receiver) serveSingleRead(conn net.Conn, remote string) error {
	for {
		r.armDeadline(conn)
		n, err := conn.Read(r.buf)
		if n > 0 {
			r.publish(r.buf[:n], remote)
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// serveReadToClose reads until the peer closes. When a read timeout is set
// and the peer goes quiet with bytes already buffered, those bytes are the
// message.
func (r *Receiver) serveReadToClose(conn net.Conn, remote string) error {
	total := 0
	for total < len(r.buf) {
		r.armDeadline(conn)
		n, err := conn.Read(r.buf[total:])
		total += n
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || (isTimeout(err) && total > 0) {
			r.finishMessage(r.buf[:total], remote, err)
			return nil
		}
		return err
	}
	return r.serveFullBuffer(conn, remote)
}

// serveFullBuffer decides whether a full buffer is the whole message: it is
// only if the peer has nothing more to send.
func (r *Receiver) serveFullBuffer(conn net.Conn, remote string) error {
	var extra [1]byte
	for {
		r.armDeadline(conn)
		n, err := conn.Read(extra[:])
		if n > 0 {
			return fmt.Errorf("%w (%d bytes)", ErrMessageTooLarge, len(r.buf))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || isTimeout(err) {
			r.finishMessage(r.buf, remote, err)
			return nil
		}
		return err
	}
}

func (r *Receiver) finishMessage(data []byte, remote string, cause error) {
	if len(data) == 0 {
		return
	}
	if isTimeout(cause) {
		r.log.Debug().Str("remote", remote).Msg("sender idle with connection open, publishing buffered message")
	}
	r.publish(data, remote)
}

func (r *Receiver) serveLines(conn net.Conn, remote string) error {
	reader := bufio.NewReaderSize(conn, r.bufSize)
	for {
		r.armDeadline(conn)
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return fmt.Errorf("%w (%d bytes)", ErrMessageTooLarge, r.bufSize)
		}
		if errors.Is(err, io.EOF) {
			if tail := bytes.TrimSpace(line); len(tail) > 0 {
				r.log.Warn().Str("remote", remote).Int("bytes", len(tail)).Msg("dropping unterminated line at end of stream")
			}
			return nil
		}
		if err != nil {
			return err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			r.publish(line, remote)
		}
	}
}

func (r *Receiver) armDeadline(conn net.Conn) {
	if r.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(r.readTimeout))
	}
}

func (r *Receiver) publish(data []byte, remote string) {
	payload := protocol.RawPayload{
		Data:     append([]byte(nil), data...),
		Received: time.Now(),
		Remote:   remote,
	}
	r.sink.Store(payload)
	r.payloads.Add(1)
	r.log.Debug().Str("remote", remote).Int("bytes", len(data)).Msg("pose payload stored")
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func (r *Receiver) sleepBackoff(ctx context.Context, attempt int) {
	wait := min(r.backoff*time.Duration(attempt), r.backoffMax)
	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
	case <-r.quit:
	case <-timer.C:
	}
	timer.Stop()
}

func (r *Receiver) handleError(err error) {
	r.errs.Add(1)
	r.log.Warn().Err(err).Msg("pose receiver error")
	if r.errorHandler != nil {
		r.errorHandler(err)
	}
}
