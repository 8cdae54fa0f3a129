package eventbus

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/floodgate-core/internal/infrastructure/config"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()
	if err := conn.WriteJSON(Message{Type: MsgSubscribe, ID: "s1", Payload: SubscribePayload{Channels: channels}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MsgResponse || msg.ID != "s1" {
		t.Fatalf("subscribe reply = %+v", msg)
	}
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(config.HTTPConfig{MaxMessageSize: 4096, PingInterval: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := newTestHub(t)
	conn := dialHub(t, hub)
	subscribe(t, conn, EventDeviceState)

	hub.Broadcast(EventDeviceState, map[string]any{"ip": "10.0.0.5"})

	msg := readMessage(t, conn)
	if msg.Type != MsgEvent || msg.EventType != EventDeviceState {
		t.Fatalf("message = %+v", msg)
	}
	raw, _ := json.Marshal(msg.Payload) //nolint:errcheck // Test helper
	if !strings.Contains(string(raw), "10.0.0.5") {
		t.Errorf("payload = %s", raw)
	}
}

func TestHub_WildcardAndFiltering(t *testing.T) {
	hub := newTestHub(t)
	all := dialHub(t, hub)
	gates := dialHub(t, hub)
	subscribe(t, all, ChannelAll)
	subscribe(t, gates, "gate.list_updated")

	hub.Broadcast("board.list_updated", ListUpdated{Class: "board", Count: 1, Delta: 1})
	hub.Broadcast("gate.list_updated", ListUpdated{Class: "gate", Count: 2, Delta: 1})

	if msg := readMessage(t, all); msg.EventType != "board.list_updated" {
		t.Errorf("wildcard first event = %q", msg.EventType)
	}
	if msg := readMessage(t, all); msg.EventType != "gate.list_updated" {
		t.Errorf("wildcard second event = %q", msg.EventType)
	}
	if msg := readMessage(t, gates); msg.EventType != "gate.list_updated" {
		t.Errorf("filtered client got %q", msg.EventType)
	}
}

func TestHub_PingAndUnknown(t *testing.T) {
	hub := newTestHub(t)
	conn := dialHub(t, hub)

	if err := conn.WriteJSON(Message{Type: MsgPing, ID: "p1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MsgPong || msg.ID != "p1" {
		t.Errorf("ping reply = %+v", msg)
	}

	if err := conn.WriteJSON(Message{Type: "teleport", ID: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MsgError {
		t.Errorf("unknown reply = %+v", msg)
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := newTestHub(t)
	conn := dialHub(t, hub)
	subscribe(t, conn, ChannelAll)

	if n := hub.ClientCount(); n != 1 {
		t.Fatalf("ClientCount() = %d, want 1", n)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("ClientCount() after close = %d, want 0", n)
	}
}
