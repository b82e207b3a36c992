package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicmsg/internal/platform/auth"
	"github.com/ehr/clinicmsg/internal/platform/metrics"
)

func newTestClient(hub *Hub, id string, topics ...string) *Client {
	return &Client{
		ID:     id,
		UserID: "prov-1",
		Roles:  []string{auth.RoleProvider},
		Topics: topics,
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
}

func readEvent(t *testing.T, ch <-chan []byte) Event {
	t.Helper()
	select {
	case data := <-ch:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterClient(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "client-1", ThreadTopic("123"))

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount(ThreadTopic("123")) != 1 {
		t.Fatalf("expected 1 client on thread:123, got %d", hub.TopicCount(ThreadTopic("123")))
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "client-2", ThreadTopic("456"))

	hub.Register(client)
	hub.Unregister(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount(ThreadTopic("456")) != 0 {
		t.Fatalf("expected 0 clients on thread:456, got %d", hub.TopicCount(ThreadTopic("456")))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}
}

func TestHub_PublishReachesOnlySubscribers(t *testing.T) {
	hub := NewHub()
	subscriber := newTestClient(hub, "sub-1", ThreadTopic("7"))
	other := newTestClient(hub, "other-1", ThreadTopic("9"))
	hub.Register(subscriber)
	hub.Register(other)

	ev, err := NewEvent(EventMessageCreated, ThreadTopic("7"), "7", map[string]string{"id": "70"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := readEvent(t, subscriber.Send)
	if got.Type != EventMessageCreated || got.ThreadID != "7" {
		t.Fatalf("unexpected event %+v", got)
	}
	if string(got.Data) != `{"id":"70"}` {
		t.Fatalf("unexpected data %s", got.Data)
	}
	select {
	case <-other.Send:
		t.Fatal("non-subscriber received event")
	default:
	}
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := NewHub()
	if n := hub.Broadcast(ThreadTopic("nobody"), Event{Type: EventThreadUpdated}); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestHub_BroadcastSkipsFullBuffer(t *testing.T) {
	hub := NewHub()
	slow := &Client{ID: "slow", Send: make(chan []byte, 1), hub: hub, Topics: []string{ThreadTopic("1")}}
	hub.Register(slow)

	if n := hub.Broadcast(ThreadTopic("1"), Event{Type: EventMessageCreated}); n != 1 {
		t.Fatalf("expected first delivery, got %d", n)
	}
	if n := hub.Broadcast(ThreadTopic("1"), Event{Type: EventMessageCreated}); n != 0 {
		t.Fatalf("expected full buffer to drop, got %d", n)
	}
}

func TestHub_SubscribeDedupesTopics(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "dup")
	hub.Register(client)

	hub.Subscribe(context.Background(), client, []string{ThreadTopic("1"), ThreadTopic("1")})
	hub.Subscribe(context.Background(), client, []string{ThreadTopic("1")})

	if len(client.Topics) != 1 {
		t.Fatalf("expected 1 topic on client, got %v", client.Topics)
	}
	if n := hub.Broadcast(ThreadTopic("1"), Event{}); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
}

func TestHub_UnsubscribeRemovesTopics(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "unsub", ThreadTopic("1"), ThreadTopic("2"), InboxTopic("prov-1"))
	hub.Register(client)

	hub.Unsubscribe(client, []string{ThreadTopic("1"), InboxTopic("prov-1")})

	if hub.TopicCount(ThreadTopic("1")) != 0 {
		t.Fatalf("expected 0 on thread:1, got %d", hub.TopicCount(ThreadTopic("1")))
	}
	if hub.TopicCount(ThreadTopic("2")) != 1 {
		t.Fatalf("expected 1 on thread:2, got %d", hub.TopicCount(ThreadTopic("2")))
	}
	if len(client.Topics) != 1 {
		t.Fatalf("expected 1 topic remaining, got %d", len(client.Topics))
	}
}

func TestHub_ProcessMessageDeniesForeignInbox(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "authz")
	hub.Register(client)

	raw := `{"action":"subscribe","topics":["inbox:prov-1","inbox:prov-2","bogus"]}`
	var msg ClientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	hub.ProcessMessage(context.Background(), client, msg)

	if hub.TopicCount(InboxTopic("prov-1")) != 1 {
		t.Fatal("expected own inbox subscription")
	}
	if hub.TopicCount(InboxTopic("prov-2")) != 0 {
		t.Fatal("expected foreign inbox to be denied")
	}
	denied := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := readEvent(t, client.Send)
		if ev.Type != EventSubscribeDenied {
			t.Fatalf("expected subscribe.denied, got %s", ev.Type)
		}
		denied[ev.Topic] = true
	}
	if !denied["inbox:prov-2"] || !denied["bogus"] {
		t.Fatalf("unexpected denied set %v", denied)
	}
}

func TestDefaultAuthorizer(t *testing.T) {
	provider := &Client{UserID: "prov-1", Roles: []string{auth.RoleProvider}}
	admin := &Client{UserID: "root", Roles: []string{auth.RoleAdmin}}

	tests := []struct {
		client *Client
		topic  string
		want   bool
	}{
		{provider, ThreadTopic("5"), true},
		{provider, InboxTopic("prov-1"), true},
		{provider, InboxTopic("prov-2"), false},
		{provider, "thread:", false},
		{provider, "patient:5", false},
		{admin, InboxTopic("prov-2"), true},
	}
	for _, tt := range tests {
		if got := DefaultAuthorizer(context.Background(), tt.client, tt.topic); got != tt.want {
			t.Errorf("DefaultAuthorizer(%s, %q) = %v, want %v", tt.client.UserID, tt.topic, got, tt.want)
		}
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(WithMetrics(metrics.New()))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient(hub, "c", ThreadTopic("shared"))
			hub.Register(c)
			hub.Broadcast(ThreadTopic("shared"), Event{Type: EventMessageCreated})
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount(ThreadTopic("shared")) != 0 {
		t.Fatalf("expected empty topic, got %d", hub.TopicCount(ThreadTopic("shared")))
	}
}

func TestSplitTopic(t *testing.T) {
	kind, id, ok := SplitTopic("inbox:prov-1")
	if !ok || kind != "inbox" || id != "prov-1" {
		t.Fatalf("unexpected split %q %q %v", kind, id, ok)
	}
	if _, _, ok := SplitTopic("nocolon"); ok {
		t.Fatal("expected failure for topic without kind")
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	e := echo.New()
	g := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewWebSocketHandler(hub).RegisterRoutes(g)
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server, "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws"
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWebSocketHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewWebSocketHandler(NewHub()).RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestWebSocketHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	handler := NewWebSocketHandler(NewHub())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler.HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://clinic.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	if !check(req) {
		t.Error("expected requests without Origin to pass")
	}
	req.Header.Set("Origin", "https://clinic.example")
	if !check(req) {
		t.Error("expected allowed origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Error("expected foreign origin to be rejected")
	}
	if !originChecker([]string{"*"})(req) {
		t.Error("expected wildcard to accept any origin")
	}
}

func TestWebSocketHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub()
	_, wsURL := newTestServer(t, hub)

	header := http.Header{}
	header.Set("X-Dev-User", "prov-1")
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	if err := conn.WriteJSON(ClientMessage{Action: ActionSubscribe, Topics: []string{ThreadTopic("ws")}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount(ThreadTopic("ws")) == 1 })

	hub.Publish(context.Background(), Event{Type: EventMessageRead, Topic: ThreadTopic("ws"), ThreadID: "ws"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != EventMessageRead || received.ThreadID != "ws" {
		t.Fatalf("unexpected event %+v", received)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}
