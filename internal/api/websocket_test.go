package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/api"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func startHub(t *testing.T) (*api.Hub, string) {
	t.Helper()
	hub := api.NewHub(zap.NewNop())
	go hub.Run()

	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var channels []string
		if b := r.URL.Query().Get("batch"); b != "" {
			channels = append(channels, api.BatchChannel(b))
		}
		hub.Serve(r.URL.Query().Get("id"), conn, channels...)
	}))
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// nextMessage skips heartbeats
func nextMessage(t *testing.T, conn *websocket.Conn) api.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		var msg api.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Invalid message: %v", err)
		}
		if msg.Type != api.MsgTypeHeartbeat {
			return msg
		}
	}
}

func waitForClients(t *testing.T, hub *api.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubFiltersByBatch(t *testing.T) {
	hub, url := startHub(t)

	filtered := dial(t, url+"?id=a&batch=b2")
	everything := dial(t, url+"?id=b")
	waitForClients(t, hub, 2)

	hub.Publish(api.BatchChannel("b1"), api.MsgTypeUnitEvent, map[string]string{"unit": "one"})
	hub.Publish(api.BatchChannel("b2"), api.MsgTypeUnitEvent, map[string]string{"unit": "two"})

	if msg := nextMessage(t, filtered); msg.Channel != api.BatchChannel("b2") {
		t.Errorf("Filtered client got %s", msg.Channel)
	}
	if msg := nextMessage(t, everything); msg.Channel != api.BatchChannel("b1") {
		t.Errorf("Unfiltered client should see b1 first, got %s", msg.Channel)
	}
	if msg := nextMessage(t, everything); msg.Channel != api.BatchChannel("b2") {
		t.Errorf("Unfiltered client should see b2 second, got %s", msg.Channel)
	}
}

func TestHubSubscribeMessage(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url+"?id=c&batch=b5")
	waitForClients(t, hub, 1)

	sub := api.WSMessage{Type: api.MsgTypeSubscribe, Channel: api.BatchChannel("b9")}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// the subscription lands asynchronously
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			hub.Publish(api.BatchChannel("b9"), api.MsgTypeBatchEvent, nil)
			time.Sleep(20 * time.Millisecond)
		}
	}()
	msg := nextMessage(t, conn)
	close(stop)
	if msg.Channel != api.BatchChannel("b9") {
		t.Fatalf("Expected b9 after subscribing, got %s", msg.Channel)
	}

	hub.Publish(api.BatchChannel("b1"), api.MsgTypeBatchEvent, nil)
	hub.Publish(api.BatchChannel("b9"), api.MsgTypeUnitEvent, nil)
	for {
		msg := nextMessage(t, conn)
		if msg.Channel == api.BatchChannel("b1") {
			t.Fatal("Subscribed client received another batch")
		}
		if msg.Type == api.MsgTypeUnitEvent {
			break
		}
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url+"?id=d")
	waitForClients(t, hub, 1)

	hub.Close()
	waitForClients(t, hub, 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to close")
	}
}
