package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrStreamClosed is returned by Stream operations after Close.
var ErrStreamClosed = errors.New("websocket: stream closed")

// StreamConfig configures a Stream.
type StreamConfig struct {
	// URL is the ws:// or wss:// endpoint, e.g. ws://host/api/v1/ws.
	URL string
	// Token is sent as a bearer token on every dial.
	Token string
	// ReconnectInterval is the minimum spacing between dial attempts.
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
	Logger            zerolog.Logger
}

// EventHandler receives events for a topic. It runs on the Stream's read
// goroutine and must not block.
type EventHandler func(Event)

// Stream keeps one websocket connection to the hub alive, re-dialing after
// failures, and fans incoming events out to per-topic handlers. Topic
// subscriptions are re-sent whenever a new connection is established.
type Stream struct {
	cfg     StreamConfig
	log     zerolog.Logger
	dialer  *gorillawebsocket.Dialer
	limiter *rate.Limiter

	mu       sync.Mutex
	handlers map[string]map[uint64]EventHandler
	nextID   uint64
	conn     *gorillawebsocket.Conn
	closed   bool

	writeMu sync.Mutex
	states  chan bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect starts a Stream. It returns immediately; connectivity is reported
// on States.
func Connect(cfg StreamConfig) *Stream {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		cfg:      cfg,
		log:      cfg.Logger,
		dialer:   &gorillawebsocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		limiter:  rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		handlers: make(map[string]map[uint64]EventHandler),
		states:   make(chan bool, 8),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// States reports connectivity transitions: true after a connection is
// established, false after it drops. It is closed by Close.
func (s *Stream) States() <-chan bool { return s.states }

// Subscribe registers fn for topic. The returned function removes the
// handler and, when it was the last one for the topic, unsubscribes.
func (s *Stream) Subscribe(topic string, fn EventHandler) (func() error, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	s.nextID++
	id := s.nextID
	first := len(s.handlers[topic]) == 0
	if first {
		s.handlers[topic] = make(map[uint64]EventHandler)
	}
	s.handlers[topic][id] = fn
	conn := s.conn
	s.mu.Unlock()

	if first && conn != nil {
		if err := s.send(conn, ClientMessage{Action: ActionSubscribe, Topics: []string{topic}}); err != nil {
			s.log.Debug().Err(err).Str("topic", topic).Msg("subscribe frame not sent; will resend on reconnect")
		}
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() { err = s.unsubscribe(topic, id) })
		return err
	}, nil
}

func (s *Stream) unsubscribe(topic string, id uint64) error {
	s.mu.Lock()
	hs := s.handlers[topic]
	delete(hs, id)
	last := len(hs) == 0
	if last {
		delete(s.handlers, topic)
	}
	conn := s.conn
	s.mu.Unlock()

	if !last || conn == nil {
		return nil
	}
	if err := s.send(conn, ClientMessage{Action: ActionUnsubscribe, Topics: []string{topic}}); err != nil && !errors.Is(err, gorillawebsocket.ErrCloseSent) {
		s.log.Debug().Err(err).Str("topic", topic).Msg("unsubscribe frame not sent")
	}
	return nil
}

// Close stops reconnecting, closes the connection and waits for the read
// goroutine. Handlers are not called after Close returns.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.wg.Wait()
	close(s.states)
	return nil
}

func (s *Stream) run() {
	defer s.wg.Done()
	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
		header := http.Header{}
		if s.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+s.cfg.Token)
		}
		conn, _, err := s.dialer.DialContext(s.ctx, s.cfg.URL, header)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Str("url", s.cfg.URL).Msg("push dial failed")
			continue
		}

		if !s.attach(conn) {
			conn.Close()
			return
		}
		s.log.Info().Str("url", s.cfg.URL).Msg("push connected")
		s.emit(true)

		s.readLoop(conn)

		s.detach(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn().Msg("push connection lost")
		s.emit(false)
	}
}

// attach installs conn and replays every active topic subscription.
func (s *Stream) attach(conn *gorillawebsocket.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	topics := make([]string, 0, len(s.handlers))
	for topic := range s.handlers {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	if len(topics) > 0 {
		if err := s.send(conn, ClientMessage{Action: ActionSubscribe, Topics: topics}); err != nil {
			s.log.Warn().Err(err).Msg("replaying subscriptions failed")
		}
	}
	return true
}

func (s *Stream) detach(conn *gorillawebsocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Stream) readLoop(conn *gorillawebsocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn().Err(err).Msg("dropping undecodable push frame")
			continue
		}
		if ev.Type == EventSubscribeDenied {
			s.log.Warn().Str("topic", ev.Topic).Msg("push subscription denied")
			continue
		}
		s.dispatch(ev)
	}
}

func (s *Stream) dispatch(ev Event) {
	s.mu.Lock()
	hs := make([]EventHandler, 0, len(s.handlers[ev.Topic]))
	for _, h := range s.handlers[ev.Topic] {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (s *Stream) send(conn *gorillawebsocket.Conn, msg ClientMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// emit publishes a state without blocking the read goroutine. When the
// consumer lags, the oldest pending state is discarded.
func (s *Stream) emit(up bool) {
	for {
		select {
		case s.states <- up:
			return
		default:
		}
		select {
		case <-s.states:
		default:
		}
	}
}
