// Package websocket carries push events between the messaging gateway and
// its clients. The server side is a topic hub; the client side is a Stream
// that keeps one connection alive and routes events to per-topic handlers.
package websocket

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicmsg/internal/platform/auth"
	"github.com/ehr/clinicmsg/internal/platform/metrics"
)

// EventPublisher defines the interface for publishing events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Roles  []string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn
}

// TopicAuthorizer decides whether a client may subscribe to a topic.
type TopicAuthorizer func(ctx context.Context, client *Client, topic string) bool

// DefaultAuthorizer lets any client follow thread topics and restricts inbox
// topics to their owner. Admins may subscribe to anything.
func DefaultAuthorizer(_ context.Context, client *Client, topic string) bool {
	kind, id, ok := SplitTopic(topic)
	if !ok {
		return false
	}
	if auth.HasRole(client.Roles, auth.RoleAdmin) {
		return true
	}
	switch kind {
	case "thread":
		return true
	case "inbox":
		return id == client.UserID
	}
	return false
}

// Hub is the central connection manager that tracks clients and their topic
// subscriptions. All operations are thread-safe via sync.RWMutex.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}

	log       zerolog.Logger
	metrics   *metrics.Metrics
	authorize TopicAuthorizer
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithLogger(l zerolog.Logger) HubOption { return func(h *Hub) { h.log = l } }

func WithMetrics(m *metrics.Metrics) HubOption { return func(h *Hub) { h.metrics = m } }

func WithAuthorizer(a TopicAuthorizer) HubOption { return func(h *Hub) { h.authorize = a } }

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		all:       make(map[*Client]struct{}),
		log:       zerolog.Nop(),
		authorize: DefaultAuthorizer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; ok {
		return
	}
	h.all[client] = struct{}{}
	h.metrics.ClientConnected()

	topics := client.Topics
	client.Topics = nil
	h.addTopicsLocked(client, topics)
}

// Unregister removes a client from the hub, all topic subscriptions, and
// closes the client's Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	h.removeTopicsLocked(client, client.Topics)
	delete(h.all, client)
	h.metrics.ClientDisconnected()
	close(client.Send)
}

// Subscribe adds topics to an already-registered client. Topics the
// authorizer rejects are skipped and returned.
func (h *Hub) Subscribe(ctx context.Context, client *Client, topics []string) (denied []string) {
	allowed := make([]string, 0, len(topics))
	for _, topic := range topics {
		if h.authorize != nil && !h.authorize(ctx, client, topic) {
			denied = append(denied, topic)
			continue
		}
		allowed = append(allowed, topic)
	}

	h.mu.Lock()
	h.addTopicsLocked(client, allowed)
	h.mu.Unlock()

	if len(denied) > 0 {
		h.log.Warn().Str("client_id", client.ID).Str("user_id", client.UserID).Strs("topics", denied).Msg("subscription denied")
	}
	return denied
}

// Unsubscribe dynamically removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeTopicsLocked(client, topics)
}

func (h *Hub) addTopicsLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if slices.Contains(client.Topics, topic) {
			continue
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) removeTopicsLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	client.Topics = slices.DeleteFunc(client.Topics, func(t string) bool {
		return slices.Contains(topics, t)
	})
}

// ProcessMessage handles an inbound ClientMessage, dispatching to Subscribe
// or Unsubscribe as appropriate. Denied topics are reported back to the
// client as subscribe.denied events.
func (h *Hub) ProcessMessage(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case ActionSubscribe:
		for _, topic := range h.Subscribe(ctx, client, msg.Topics) {
			h.sendTo(client, Event{Type: EventSubscribeDenied, Topic: topic})
		}
	case ActionUnsubscribe:
		h.Unsubscribe(client, msg.Topics)
	default:
		h.log.Debug().Str("client_id", client.ID).Str("action", msg.Action).Msg("ignoring unknown client action")
	}
}

func (h *Hub) sendTo(client *Client, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// Broadcast sends an event to all clients subscribed to the given topic.
// Clients whose buffer is full miss the event.
func (h *Hub) Broadcast(topic string, event Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
			delivered++
		default:
			h.log.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("client buffer full; event dropped")
		}
	}
	return delivered
}

// Publish implements the EventPublisher interface by broadcasting the event
// to subscribers of the event's topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	n := h.Broadcast(event.Topic, event)
	h.metrics.EventPublished(event.Type)
	h.log.Debug().Str("type", event.Type).Str("topic", event.Topic).Int("delivered", n).Msg("event published")
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
