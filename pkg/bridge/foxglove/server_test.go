package foxglove

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"posebridge/pkg/engine"
	"posebridge/pkg/protocol"
	"posebridge/pkg/rig"
)

func testFrame() rig.Frame {
	return rig.Frame{
		Seq:       7,
		Timestamp: time.Unix(42, 99),
		Remote:    "127.0.0.1:5555",
		Nodes: []rig.NodePosition{
			{Segment: protocol.SegmentLeftHand, Node: "left_hand_target", Position: protocol.Vec3{X: 1, Y: 0.7, Z: 0.6}},
			{Segment: protocol.SegmentRightHand, Node: "right_hand_target", Position: protocol.Vec3{X: -2, Y: 1.7, Z: 1.1}},
		},
	}
}

func TestTransformsFromFrame(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	tf := srv.transforms(testFrame(), time.Unix(42, 99))
	if len(tf.Transforms) != 2 {
		t.Fatalf("expected two transforms, got %d", len(tf.Transforms))
	}
	tr := tf.Transforms[1]
	if tr.ParentFrameID != "world" || tr.ChildFrameID != "right_hand_target" {
		t.Fatalf("unexpected frame chain: %+v", tr)
	}
	if tr.Translation != (Vector3{X: -2, Y: 1.7, Z: 1.1}) {
		t.Fatalf("unexpected translation: %+v", tr.Translation)
	}
	if tr.Rotation != (Quaternion{W: 1}) {
		t.Fatalf("unexpected rotation: %+v", tr.Rotation)
	}
	if tr.Timestamp.Sec != 42 || tr.Timestamp.Nsec != 99 {
		t.Fatalf("unexpected timestamp: %+v", tr.Timestamp)
	}
}

func TestMarkersFromFrame(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarkerScale = 0.1
	cfg.ParentFrame = "stage"
	srv := NewServer(cfg, nil)

	arr := srv.markers(testFrame(), time.Unix(1, 0))
	if len(arr.Markers) != 2 {
		t.Fatalf("expected two markers, got %d", len(arr.Markers))
	}
	m := arr.Markers[0]
	if m.Type != markerTypeSphere || m.Action != markerActionAdd {
		t.Fatalf("unexpected marker mode: type=%d action=%d", m.Type, m.Action)
	}
	if m.Header.FrameID != "stage" {
		t.Fatalf("unexpected frame id: %s", m.Header.FrameID)
	}
	if m.Scale != (Vector3{X: 0.1, Y: 0.1, Z: 0.1}) {
		t.Fatalf("unexpected scale: %+v", m.Scale)
	}
	if m.Pose.Position != (Vector3{X: 1, Y: 0.7, Z: 0.6}) {
		t.Fatalf("unexpected position: %+v", m.Pose.Position)
	}
	if arr.Markers[1].ID != 1 || arr.Markers[1].Color == m.Color {
		t.Fatalf("markers should have distinct ids and colors: %+v", arr.Markers)
	}
}

func TestAdvertiseListsAllChannels(t *testing.T) {
	srv := NewServer(Config{FrameTopic: "/custom"}, nil)
	msg := srv.advertise()
	if len(msg.Channels) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(msg.Channels))
	}
	if msg.Channels[0].ID != FrameChannelID || msg.Channels[0].Topic != "/custom" {
		t.Fatalf("unexpected frame channel: %+v", msg.Channels[0])
	}
	if msg.Channels[1].ID != TransformChannelID || msg.Channels[1].Topic != "/tf" {
		t.Fatalf("unexpected transform channel: %+v", msg.Channels[1])
	}
	if msg.Channels[2].ID != MarkerChannelID {
		t.Fatalf("unexpected marker channel: %+v", msg.Channels[2])
	}
}

func TestMessageDataRoundTrip(t *testing.T) {
	frame := EncodeMessageData(9, 1234, []byte(`{"a":1}`))
	sub, logTime, payload, err := DecodeMessageData(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub != 9 || logTime != 1234 || string(payload) != `{"a":1}` {
		t.Fatalf("unexpected decode: sub=%d time=%d payload=%s", sub, logTime, payload)
	}
	if _, _, _, err := DecodeMessageData([]byte{0x02, 0}); err == nil {
		t.Fatalf("expected error for short frame")
	}
}

func TestSessionStreamsSubscribedFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)

	srv := NewServer(Config{WSAddr: "127.0.0.1:0"}, hub)
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	addrCtx, addrCancel := context.WithTimeout(ctx, 2*time.Second)
	addr, err := srv.Addr(addrCtx)
	addrCancel()
	if err != nil {
		t.Fatalf("server did not start: %v", err)
	}

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}, HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial("ws://"+addr.String()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var info ServerInfoMsg
	if err := conn.ReadJSON(&info); err != nil || info.Op != OpServerInfo {
		t.Fatalf("expected serverInfo, got %+v err=%v", info, err)
	}
	var adv AdvertiseMsg
	if err := conn.ReadJSON(&adv); err != nil || adv.Op != OpAdvertise {
		t.Fatalf("expected advertise, got %+v err=%v", adv, err)
	}

	sub := SubscribeMsg{Op: OpSubscribe, Subscriptions: []Subscription{
		{ID: 11, ChannelID: FrameChannelID},
		{ID: 12, ChannelID: 99},
	}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Publish(testFrame())
			}
		}
	}()

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got %d", msgType)
	}
	subID, _, payload, err := DecodeMessageData(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if subID != 11 {
		t.Fatalf("unexpected subscription id: %d", subID)
	}
	var pkt FramePacket
	if err := json.Unmarshal(payload, &pkt); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if pkt.Seq != 7 || len(pkt.Nodes) != 2 || pkt.Nodes[0].Node != "left_hand_target" {
		t.Fatalf("unexpected frame packet: %+v", pkt)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestRunReturnsWhenHubAlreadyStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)
	<-hub.Done()

	srv := NewServer(Config{WSAddr: "127.0.0.1:0"}, hub)
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatalf("server blocked subscribing to a stopped hub")
	}
}
