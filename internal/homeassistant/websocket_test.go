package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWSClient_Integration(t *testing.T) {
	// Skip unless a live HA instance is configured
	token := os.Getenv("HOMEASSISTANT_TOKEN")
	if token == "" {
		t.Skip("HOMEASSISTANT_TOKEN not set")
	}

	url := os.Getenv("HOMEASSISTANT_URL")
	if url == "" {
		url = "http://supervisor/core"
	}

	client := NewWSClient(url, token, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	t.Run("Subscribe", func(t *testing.T) {
		if err := client.Subscribe(ctx, "state_changed"); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		// Wait briefly for an event (HA is usually chatty)
		select {
		case event := <-client.Events():
			t.Logf("Received event: %s", event.Type)
			if event.Type == "state_changed" {
				var data StateChangedData
				if err := json.Unmarshal(event.Data, &data); err == nil {
					t.Logf("  entity: %s", data.EntityID)
				}
			}
		case <-time.After(5 * time.Second):
			t.Log("No events received in 5s (HA might be quiet)")
		}
	})
}

// fakeHAWebSocket serves the HA websocket handshake: it sends
// auth_required, accepts any token, and acknowledges subscribe_events
// requests with a success result.
func fakeHAWebSocket(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]any{"type": "auth_required"}); err != nil {
			return
		}
		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if err := conn.WriteJSON(map[string]any{"type": "auth_ok"}); err != nil {
			return
		}

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "subscribe_events" {
				if err := conn.WriteJSON(map[string]any{
					"id":      msg["id"],
					"type":    "result",
					"success": true,
				}); err != nil {
					return
				}
			}
		}
	}))
}

func TestWSClient_ReconnectRestoresSubscriptions(t *testing.T) {
	srv := fakeHAWebSocket(t)
	defer srv.Close()

	client := NewWSClient(srv.URL, "test-token", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Reconnect re-dials, re-authenticates, and re-subscribes. It must
	// not stall on its own connection mutex while doing so.
	done := make(chan error, 1)
	go func() { done <- client.Reconnect(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reconnect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Reconnect did not return within 5s")
	}
	defer client.Close()

	client.subscriptionsMu.Lock()
	subs := append([]string(nil), client.subscriptions...)
	client.subscriptionsMu.Unlock()
	if len(subs) != 1 || subs[0] != "state_changed" {
		t.Errorf("subscriptions after reconnect = %v, want [state_changed]", subs)
	}
}
