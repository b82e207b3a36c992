package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types published by the messaging gateway.
const (
	EventMessageCreated = "message.created"
	EventThreadUpdated  = "thread.updated"
	EventMessageRead    = "message.read"

	// EventSubscribeDenied is sent back to a client whose subscribe frame
	// named a topic it may not listen to.
	EventSubscribeDenied = "subscribe.denied"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Event represents a real-time notification sent to WebSocket clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	ThreadID  string          `json:"threadId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an Event with payload marshalled into Data.
func NewEvent(eventType, topic, threadID string, payload any) (Event, error) {
	ev := Event{
		Type:      eventType,
		Topic:     topic,
		ThreadID:  threadID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		ev.Data = data
	}
	return ev, nil
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// ThreadTopic is the topic carrying events for one thread.
func ThreadTopic(threadID string) string { return "thread:" + threadID }

// InboxTopic is the topic carrying events for every thread of a provider.
func InboxTopic(providerID string) string { return "inbox:" + providerID }

// SplitTopic returns the kind and id of a topic such as "thread:42".
func SplitTopic(topic string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(topic, ":")
	if !ok || kind == "" || id == "" {
		return "", "", false
	}
	return kind, id, true
}
