package homesync

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRealtimeListenerReceivesChanges(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer ws-token" {
			t.Errorf("Missing bearer token, got %q", auth)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteJSON(realtimeFrame{Type: "changed", EntityType: EntityInventoryItems})
		conn.WriteJSON(realtimeFrame{Type: "changed", EntityType: EntityTodoItems, UserID: "friend-1"})
		conn.WriteJSON(realtimeFrame{Type: "ping"})                           // unknown type, ignored
		conn.WriteJSON(realtimeFrame{Type: "changed", EntityType: "recipes"}) // unknown entity, ignored

		// Hold the connection open until the client walks away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var got []string
	listener := NewRealtimeListener(RealtimeConfig{
		URL:       wsURL(srv),
		AuthToken: "ws-token",
	}, func(et EntityType, userID string) {
		mu.Lock()
		got = append(got, string(et)+"/"+userID)
		mu.Unlock()
	}, nil)

	listener.Start()
	defer listener.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if listener.Frames() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("Expected 2 change callbacks, got %v", got)
	}
	if got[0] != "inventoryItems/" || got[1] != "todoItems/friend-1" {
		t.Errorf("Unexpected callbacks: %v", got)
	}
}

func TestRealtimeListenerReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	dials := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteJSON(realtimeFrame{Type: "changed", EntityType: EntityCategories})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := DefaultRealtimeConfig()
	cfg.URL = wsURL(srv)
	cfg.ReconnectInitial = 10 * time.Millisecond

	listener := NewRealtimeListener(cfg, func(EntityType, string) {}, nil)
	listener.Start()
	defer listener.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if listener.Frames() >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Listener never recovered after a dropped connection")
}

func TestRealtimeListenerDisabledWithoutURL(t *testing.T) {
	listener := NewRealtimeListener(RealtimeConfig{}, func(EntityType, string) {}, nil)
	listener.Start() // no-op
	listener.Stop()  // must not panic
}
