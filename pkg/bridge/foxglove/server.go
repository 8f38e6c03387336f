package foxglove

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"posebridge/pkg/engine"
	"posebridge/pkg/rig"
)

const (
	markerTypeSphere  = 2
	markerActionAdd   = 0
	markerNamespace   = "posebridge.rig"
	shutdownTimeout   = 5 * time.Second
	jsonEncoding      = "json"
	jsonSchemaEncoder = "jsonschema"
)

// nodeColors tints markers by binding order: left hand, right hand, then the rest.
var nodeColors = []ColorRGBA{
	{R: 0.2, G: 0.6, B: 1, A: 1},
	{R: 1, G: 0.4, B: 0.2, A: 1},
	{R: 0.6, G: 0.8, B: 1, A: 1},
	{R: 1, G: 0.75, B: 0.6, A: 1},
}

// FramePacket is the JSON body of the frame channel.
type FramePacket struct {
	Seq    uint64             `json:"seq"`
	TS     string             `json:"ts"`
	Remote string             `json:"remote,omitempty"`
	Nodes  []rig.NodePosition `json:"nodes"`
}

// Server exposes applied rig frames to Foxglove Studio over websocket.
type Server struct {
	cfg     Config
	hub     *engine.Hub
	log     zerolog.Logger
	clients map[*client]struct{}
	mu      sync.RWMutex
	addr    chan net.Addr
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	subs map[uint32]uint64
	mu   sync.RWMutex
	once sync.Once
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

func NewServer(cfg Config, hub *engine.Hub, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		hub:     hub,
		log:     zerolog.Nop(),
		clients: make(map[*client]struct{}),
		addr:    make(chan net.Addr, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr blocks until the server is listening and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case a := <-s.addr:
		s.addr <- a
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run serves until ctx is cancelled. A listen failure is returned.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("foxglove listen %s: %w", s.cfg.WSAddr, err)
	}
	s.addr <- ln.Addr()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.hub != nil {
		sub := s.hub.Subscribe()
		go s.broadcastLoop(ctx, sub)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("foxglove bridge listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeClients()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	s.addClient(c)
	defer func() {
		c.close()
		s.removeClient(c)
	}()

	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		return
	}
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("foxglove client connected")

	go c.writeLoop()
	c.readLoop(s.supportedChannels())
}

func (s *Server) supportedChannels() map[uint64]struct{} {
	return map[uint64]struct{}{
		FrameChannelID:     {},
		TransformChannelID: {},
		MarkerChannelID:    {},
	}
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          fmt.Sprintf("%d", time.Now().UTC().UnixNano()),
	}
}

func (s *Server) advertise() AdvertiseMsg {
	return AdvertiseMsg{Op: OpAdvertise, Channels: []Channel{
		{
			ID:             FrameChannelID,
			Topic:          s.cfg.FrameTopic,
			Encoding:       jsonEncoding,
			SchemaName:     "posebridge.Frame",
			SchemaEncoding: jsonSchemaEncoder,
			Schema:         FrameSchema,
		},
		{
			ID:             TransformChannelID,
			Topic:          s.cfg.TransformTopic,
			Encoding:       jsonEncoding,
			SchemaName:     "foxglove.FrameTransforms",
			SchemaEncoding: jsonSchemaEncoder,
			Schema:         FrameTransformsSchema,
		},
		{
			ID:             MarkerChannelID,
			Topic:          s.cfg.MarkerTopic,
			Encoding:       jsonEncoding,
			SchemaName:     "visualization_msgs/MarkerArray",
			SchemaEncoding: jsonSchemaEncoder,
			Schema:         MarkerArraySchema,
		},
	}}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan rig.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastFrame(frame)
		}
	}
}

func (s *Server) broadcastFrame(frame rig.Frame) {
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.publishJSONToChannel(FrameChannelID, ts, s.framePacket(frame, ts))
	s.publishJSONToChannel(TransformChannelID, ts, s.transforms(frame, ts))
	s.publishJSONToChannel(MarkerChannelID, ts, s.markers(frame, ts))
}

func (s *Server) framePacket(frame rig.Frame, ts time.Time) FramePacket {
	return FramePacket{
		Seq:    frame.Seq,
		TS:     ts.UTC().Format(time.RFC3339Nano),
		Remote: frame.Remote,
		Nodes:  frame.Nodes,
	}
}

func (s *Server) transforms(frame rig.Frame, ts time.Time) FrameTransforms {
	out := FrameTransforms{Transforms: make([]FrameTransform, 0, len(frame.Nodes))}
	for _, n := range frame.Nodes {
		out.Transforms = append(out.Transforms, FrameTransform{
			Timestamp:     frameTime(ts),
			ParentFrameID: s.cfg.ParentFrame,
			ChildFrameID:  n.Node,
			Translation:   Vector3{X: n.Position.X, Y: n.Position.Y, Z: n.Position.Z},
			Rotation:      Quaternion{W: 1},
		})
	}
	return out
}

func (s *Server) markers(frame rig.Frame, ts time.Time) MarkerArray {
	out := MarkerArray{Markers: make([]Marker, 0, len(frame.Nodes))}
	scale := s.cfg.MarkerScale
	for i, n := range frame.Nodes {
		out.Markers = append(out.Markers, Marker{
			Header: MarkerHeader{FrameID: s.cfg.ParentFrame, Stamp: frameTime(ts)},
			NS:     markerNamespace,
			ID:     int32(i),
			Type:   markerTypeSphere,
			Action: markerActionAdd,
			Pose: MarkerPose{
				Position:    Vector3{X: n.Position.X, Y: n.Position.Y, Z: n.Position.Z},
				Orientation: Quaternion{W: 1},
			},
			Scale: Vector3{X: scale, Y: scale, Z: scale},
			Color: nodeColors[i%len(nodeColors)],
		})
	}
	return out
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.log.Warn().Err(err).Uint64("channel", channelID).Msg("marshal foxglove message")
		return
	}

	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(EncodeMessageData(subID, logTime, payload))
		}
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	if sendBuf <= 0 {
		sendBuf = DefaultConfig().SendBuf
	}
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func (c *client) readLoop(supportedChannels map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if _, ok := supportedChannels[sub.ChannelID]; ok {
					c.addSub(sub.ID, sub.ChannelID)
				}
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			c.close()
			return
		}
	}
}

func (c *client) trySend(msg []byte) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
