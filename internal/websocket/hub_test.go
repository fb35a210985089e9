package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubBroadcastDeliversToUserOnly(t *testing.T) {
	hub := NewHub()
	mine := &Client{send: make(chan []byte, 1)}
	other := &Client{send: make(chan []byte, 1)}
	hub.Register("u1", mine)
	hub.Register("u2", other)

	hub.BroadcastBalance("u1", BalanceUpdate{Event: EventDeduction, Amount: "15.00", Balance: "5.00", Currency: "INR"})

	select {
	case payload := <-mine.send:
		var update BalanceUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if update.UserID != "u1" || update.Balance != "5.00" || update.Event != EventDeduction {
			t.Fatalf("unexpected update: %#v", update)
		}
	default:
		t.Fatalf("expected an update for u1")
	}
	if len(other.send) != 0 {
		t.Fatalf("u2 should not receive u1's update")
	}
}

func TestHubBroadcastSkipsFullClients(t *testing.T) {
	hub := NewHub()
	client := &Client{send: make(chan []byte)}
	hub.Register("u1", client)
	done := make(chan struct{})
	go func() {
		hub.BroadcastBalance("u1", BalanceUpdate{Balance: "1.00"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a full client")
	}
}

func TestHubUnregisterRemovesEmptyUser(t *testing.T) {
	hub := NewHub()
	client := &Client{send: make(chan []byte, 1)}
	hub.Register("u1", client)
	if hub.Connections("u1") != 1 {
		t.Fatalf("expected 1 connection")
	}
	hub.Unregister("u1", client)
	hub.Unregister("u1", client)
	if hub.Connections("u1") != 0 {
		t.Fatalf("expected no connections")
	}
}

func TestUpgraderOrigins(t *testing.T) {
	up := Upgrader([]string{"https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws/balances", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if up.CheckOrigin(req) {
		t.Fatalf("unexpected origin allowed")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !up.CheckOrigin(req) {
		t.Fatalf("expected configured origin to be allowed")
	}
	if !Upgrader([]string{"*"}).CheckOrigin(req) {
		t.Fatalf("wildcard should allow any origin")
	}
}

func TestServeWSReceivesBroadcast(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = ServeWS(w, r, Upgrader(nil), hub, "u1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections("u1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.BroadcastBalance("u1", BalanceUpdate{Event: EventTopUp, Balance: "100.00"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(payload), `"event":"topup"`) {
		t.Fatalf("unexpected payload: %s", payload)
	}
}
