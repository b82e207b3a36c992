package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicmsg/internal/msgsync"
	"github.com/ehr/clinicmsg/internal/platform/websocket"
)

var (
	// ErrUnknownEvent is returned by Decode for event types the sync core does
	// not consume.
	ErrUnknownEvent = errors.New("unknown push event")
	// ErrSubscribeDenied is returned by Decode when the hub refused a topic.
	ErrSubscribeDenied = errors.New("subscription denied")
)

// Push adapts a websocket.Stream to msgsync.PushTransport.
type Push struct {
	stream *websocket.Stream
	log    zerolog.Logger
}

var _ msgsync.PushTransport = (*Push)(nil)

func NewPush(stream *websocket.Stream, log zerolog.Logger) *Push {
	return &Push{stream: stream, log: log}
}

// Subscribe routes events for scope to handler. Events that fail to decode
// are logged and dropped.
func (p *Push) Subscribe(scope msgsync.Scope, handler msgsync.PushHandler) (msgsync.Subscription, error) {
	topic := scope.String()
	unsubscribe, err := p.stream.Subscribe(topic, func(ev websocket.Event) {
		pe, err := Decode(ev)
		if err != nil {
			p.log.Warn().Err(err).Str("topic", ev.Topic).Str("type", ev.Type).Msg("dropping push event")
			return
		}
		handler(pe)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return &subscription{close: unsubscribe}, nil
}

func (p *Push) ConnectionStates() <-chan bool { return p.stream.States() }

type subscription struct {
	once  sync.Once
	close func() error
	err   error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.close() })
	return s.err
}

type readAck struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

// Decode converts a hub event into the sync core's PushEvent union.
func Decode(ev websocket.Event) (msgsync.PushEvent, error) {
	switch ev.Type {
	case websocket.EventMessageCreated:
		var raw msgsync.RawMessage
		if err := json.Unmarshal(ev.Data, &raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		if raw.ThreadID == "" {
			raw.ThreadID = ev.ThreadID
		}
		return msgsync.NewMessageEvent{Message: raw}, nil

	case websocket.EventThreadUpdated:
		if ev.ThreadID == "" {
			return nil, fmt.Errorf("decode %s: missing thread id", ev.Type)
		}
		var patch msgsync.ThreadPatch
		if err := json.Unmarshal(ev.Data, &patch); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return msgsync.ThreadUpdateEvent{ThreadID: ev.ThreadID, Patch: patch}, nil

	case websocket.EventMessageRead:
		var ack readAck
		if err := json.Unmarshal(ev.Data, &ack); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		if ack.ThreadID == "" {
			ack.ThreadID = ev.ThreadID
		}
		if ack.ThreadID == "" || ack.MessageID == "" {
			return nil, fmt.Errorf("decode %s: missing thread or message id", ev.Type)
		}
		return msgsync.ReadAckEvent{ThreadID: ack.ThreadID, MessageID: ack.MessageID}, nil

	case websocket.EventSubscribeDenied:
		return nil, fmt.Errorf("%w: %s", ErrSubscribeDenied, ev.Topic)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
}
