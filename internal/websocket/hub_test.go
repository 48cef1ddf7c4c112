package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/lastsignal/internal/model"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, userID *int64) *Client {
	return &Client{
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
	}
}

func event(action model.Action, userID *int64) model.AuditEvent {
	return model.AuditEvent{
		ID:        "ev",
		Action:    action,
		ActorType: model.ActorSystem,
		UserID:    userID,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub, nil)
	c2 := mockClient(hub, nil)

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)
	// Should not panic.
	hub.Unregister(c2)
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestPublish(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub, nil)
	hub.Register(c)

	uid := int64(7)
	hub.Publish(event(model.ActionStateToGrace, &uid))

	select {
	case data := <-c.send:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "audit" || msg.Action != model.ActionStateToGrace {
			t.Errorf("msg = %+v", msg)
		}
		if msg.UserID == nil || *msg.UserID != 7 {
			t.Errorf("user id = %v, want 7", msg.UserID)
		}
	default:
		t.Fatal("expected message on send channel")
	}
}

func TestPublishFiltersByUser(t *testing.T) {
	hub := NewHub(slog.Default())
	mine, other := int64(1), int64(2)
	c := mockClient(hub, &mine)
	hub.Register(c)

	hub.Publish(event(model.ActionCheckinConfirmed, &other))
	hub.Publish(event(model.ActionMagicLinkSent, nil))
	hub.Publish(event(model.ActionCheckinConfirmed, &mine))

	if got := len(c.send); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub, nil)
	hub.Register(c)

	for i := 0; i < sendBufferSize+5; i++ {
		hub.Publish(event(model.ActionLoginSuccess, nil))
	}
	if got := len(c.send); got != sendBufferSize {
		t.Errorf("queued = %d, want %d", got, sendBufferSize)
	}
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewHub(slog.Default())
	clients := make([]*Client, 5)
	for i := range clients {
		clients[i] = mockClient(hub, nil)
		hub.Register(clients[i])
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Publish(event(model.ActionLoginSuccess, nil))
		}()
	}
	wg.Wait()

	for i, c := range clients {
		if got := len(c.send); got != 10 {
			t.Errorf("client %d: queued = %d, want 10", i, got)
		}
	}
}

func TestHandleEvents(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(HandleEvents(hub, slog.Default(), nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(event(model.ActionStateToDelivered, nil))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Action != model.ActionStateToDelivered {
		t.Errorf("action = %q", msg.Action)
	}
}

func TestHandleEventsRejectsBadUserID(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(HandleEvents(hub, slog.Default(), nil))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "?user_id=abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
