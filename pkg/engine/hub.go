package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"posebridge/pkg/rig"
)

// Hub fans applied rig frames out to observers. Slow observers lose
// frames instead of stalling the render tick.
type Hub struct {
	broadcast  chan rig.Frame
	register   chan chan rig.Frame
	unregister chan chan rig.Frame
	clients    map[chan rig.Frame]struct{}
	clientBuf  int
	dropped    atomic.Uint64
	stopped    chan struct{}
	stopOnce   sync.Once
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan rig.Frame, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan rig.Frame, 64),
		register:   make(chan chan rig.Frame),
		unregister: make(chan chan rig.Frame),
		clients:    make(map[chan rig.Frame]struct{}),
		clientBuf:  16,
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves subscriptions and broadcasts until ctx is done. Once it has
// returned, Subscribe hands out closed channels instead of blocking.
func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.stopped) })
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			h.clients = map[chan rig.Frame]struct{}{}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case frame := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- frame:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}
}

func (h *Hub) Subscribe() chan rig.Frame {
	return h.SubscribeWithBuffer(h.clientBuf)
}

func (h *Hub) SubscribeWithBuffer(size int) chan rig.Frame {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan rig.Frame, size)
	select {
	case h.register <- ch:
	case <-h.stopped:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch chan rig.Frame) {
	select {
	case h.unregister <- ch:
	case <-h.stopped:
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

// Publish hands a frame to the run loop without blocking.
func (h *Hub) Publish(frame rig.Frame) {
	select {
	case h.broadcast <- frame:
	default:
		h.dropped.Add(1)
	}
}

// Dropped counts frames that some observer never received.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
