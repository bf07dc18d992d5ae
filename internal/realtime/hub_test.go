package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func eventMsg(accountID string, typ account.EventType, sev account.Severity) *Message {
	return &Message{
		Type:      MessageAccountEvent,
		Timestamp: time.Now(),
		Event:     &account.Event{ID: "ev", AccountID: accountID, Type: typ, Severity: sev},
		Account:   &account.Account{ID: accountID, TrustScore: 90, State: account.StateActive},
	}
}

// ---------------------------------------------------------------------------
// Subscription tests
// ---------------------------------------------------------------------------

func TestSubscription_EmptyMatchesAll(t *testing.T) {
	var sub Subscription
	if !sub.Matches(eventMsg("a", account.EventLoginFailed, account.SeverityWarning)) {
		t.Error("empty subscription should receive all messages")
	}
}

func TestSubscription_AccountFilter(t *testing.T) {
	sub := Subscription{AccountIDs: []string{"acct-1"}}

	if !sub.Matches(eventMsg("acct-1", account.EventLoginFailed, account.SeverityWarning)) {
		t.Error("should match subscribed account")
	}
	if sub.Matches(eventMsg("acct-2", account.EventLoginFailed, account.SeverityWarning)) {
		t.Error("should NOT match other accounts")
	}
}

func TestSubscription_TypeAndSeverityFilter(t *testing.T) {
	sub := Subscription{
		EventTypes: []account.EventType{account.EventRateLimitWarning, account.EventChallengeRequired},
		Severities: []account.Severity{account.SeverityDanger},
	}

	if !sub.Matches(eventMsg("a", account.EventChallengeRequired, account.SeverityDanger)) {
		t.Error("should match type and severity")
	}
	if sub.Matches(eventMsg("a", account.EventRateLimitWarning, account.SeverityWarning)) {
		t.Error("should NOT match lower severity")
	}
	if sub.Matches(eventMsg("a", account.EventLoginSuccess, account.SeverityDanger)) {
		t.Error("should NOT match other types")
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/events/stream?accountId=a,b&accountId=c&eventType=login_failed&severity=DANGER", nil)
	sub := SubscriptionFromQuery(r)

	if strings.Join(sub.AccountIDs, ",") != "a,b,c" {
		t.Errorf("accountIds = %v", sub.AccountIDs)
	}
	if len(sub.EventTypes) != 1 || sub.EventTypes[0] != account.EventLoginFailed {
		t.Errorf("eventTypes = %v", sub.EventTypes)
	}
	if len(sub.Severities) != 1 || sub.Severities[0] != account.SeverityDanger {
		t.Errorf("severities = %v", sub.Severities)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(logging.Discard(), "https://dash.example")

	cases := map[string]bool{
		"":                     true,
		"http://example.com":   true, // same host
		"https://dash.example": true,
		"https://evil.example": false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/v1/events/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := h.checkOrigin(r); got != want {
			t.Errorf("origin %q: got %v, want %v", origin, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalMessages"].(int64) != 0 {
		t.Errorf("Expected 0 total messages, got %v", stats["totalMessages"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_FilteredPublish(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AccountIDs: []string{"watched"}},
	}
	h.register <- client

	h.PublishEvent(&account.Event{ID: "e1", AccountID: "other", Type: account.EventLoginSuccess}, nil)
	h.PublishEvent(&account.Event{ID: "e2", AccountID: "watched", Type: account.EventLoginFailed},
		&account.Account{ID: "watched", TrustScore: 95, State: account.StateActive})

	select {
	case raw := <-client.send:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Event == nil || msg.Event.ID != "e2" {
			t.Errorf("expected e2, got %+v", msg.Event)
		}
		if msg.Account == nil || msg.Account.TrustScore != 95 {
			t.Errorf("expected account snapshot, got %+v", msg.Account)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast")
	}

	select {
	case raw := <-client.send:
		t.Errorf("unexpected extra message %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_BroadcastDropsWhenFull(t *testing.T) {
	h := testHub() // not running: nothing drains the queue
	for i := 0; i < cap(h.broadcast)+3; i++ {
		h.PublishEvent(&account.Event{ID: "e"}, nil)
	}
	if got := h.Stats()["droppedMessages"].(int64); got != 3 {
		t.Errorf("Expected 3 dropped messages, got %d", got)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/v1/events/stream", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %d", w.Code)
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?accountId=acct-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Stats()["connectedClients"].(int) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.PublishEvent(&account.Event{ID: "skip", AccountID: "acct-2", Type: account.EventLogout}, nil)
	h.PublishEvent(&account.Event{ID: "want", AccountID: "acct-1", Type: account.EventLogout}, nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MessageAccountEvent || msg.Event.ID != "want" {
		t.Errorf("unexpected message %+v", msg)
	}
}
