package msgsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// State is the Controller's selection state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateActive
	StateArchiving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateArchiving:
		return "archiving"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Change is a bit set describing which snapshots changed.
type Change uint8

const (
	ChangeSelection Change = 1 << iota
	ChangeTimeline
	ChangeRegistry
	ChangeDirectory
	ChangePending
	ChangeConnection
)

// Has reports whether c includes all bits of k.
func (c Change) Has(k Change) bool { return c&k == k }

const (
	defaultChangeBuffer  = 32
	defaultLookupTimeout = 10 * time.Second
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithProviderID enables the inbox-wide push subscription for providerID,
// which keeps summaries of threads other than the open one up to date.
func WithProviderID(id string) Option {
	return func(c *Controller) { c.providerID = id }
}

// WithPlaceholderName sets the name shown for unresolved patients.
func WithPlaceholderName(name string) Option {
	return func(c *Controller) {
		if name != "" {
			c.placeholder = name
		}
	}
}

// WithIncludeArchived makes thread list loads include archived threads.
func WithIncludeArchived(include bool) Option {
	return func(c *Controller) { c.includeArchived = include }
}

// WithLookupTimeout bounds background patient directory fetches.
func WithLookupTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.lookupTimeout = d
		}
	}
}

// Controller orchestrates thread selection, history loading, push delivery,
// sends and archiving. All registry and timeline mutations happen under a
// single mutex; network calls are made without holding it so push events for
// other threads keep flowing while a load or send is in flight.
type Controller struct {
	api  API
	push PushTransport
	log  zerolog.Logger

	providerID      string
	placeholder     string
	includeArchived bool
	lookupTimeout   time.Duration

	dir     *Directory
	norm    *Normalizer
	lookups singleflight.Group

	mu            sync.Mutex
	state         State
	selected      string
	patientID     string
	gen           uint64
	timelineReady bool
	cancelFetch   context.CancelFunc
	buffered      []RawMessage
	archiving     int
	timeline      *Timeline
	registry      *Registry
	pending       pendingOverlay
	seen          map[string]struct{}
	fetching      map[string]struct{}
	threadSub     Subscription
	inboxSub      Subscription
	connected     bool
	dropped       bool
	started       bool
	closed        bool

	chMu     sync.Mutex
	chClosed bool
	changes  chan Change

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController returns an idle Controller. Call Start to load the thread
// list and open the inbox subscription, and Close to release everything.
func NewController(api API, push PushTransport, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		api:           api,
		push:          push,
		log:           zerolog.Nop(),
		placeholder:   DefaultPlaceholderName,
		lookupTimeout: defaultLookupTimeout,
		dir:           NewDirectory(),
		timeline:      NewTimeline(),
		registry:      NewRegistry(),
		seen:          make(map[string]struct{}),
		fetching:      make(map[string]struct{}),
		changes:       make(chan Change, defaultChangeBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.norm = NewNormalizer(c.dir, c.placeholder, c.requestPatientLocked)
	return c
}

// Start watches push connectivity, opens the inbox subscription and loads
// the thread list. A load failure is returned as ErrFetchFailed; the
// Controller stays usable and Refresh can be retried.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	if states := c.push.ConnectionStates(); states != nil {
		c.wg.Add(1)
		go c.watchConnection(states)
	}
	c.mu.Unlock()

	c.subscribeInbox()
	return c.Refresh(ctx)
}

// Close releases push subscriptions, cancels in-flight loads and waits for
// background work to finish. The Changes channel is closed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancelFetch != nil {
		c.cancelFetch()
		c.cancelFetch = nil
	}
	threadSub, inboxSub := c.threadSub, c.inboxSub
	c.threadSub, c.inboxSub = nil, nil
	c.mu.Unlock()

	c.cancel()
	c.closeSub(threadSub)
	c.closeSub(inboxSub)
	c.wg.Wait()

	c.chMu.Lock()
	c.chClosed = true
	close(c.changes)
	c.chMu.Unlock()
	return nil
}

// SelectThread opens threadID: the timeline is cleared at once, history is
// loaded, and on success the thread's push subscription is opened. Selecting
// another thread while the load is in flight cancels it; the superseded call
// returns ErrSuperseded and never touches the timeline.
func (c *Controller) SelectThread(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return fmt.Errorf("%w: empty thread id", ErrFetchFailed)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancelFetch != nil {
		c.cancelFetch()
	}
	oldSub := c.threadSub
	c.threadSub = nil
	c.gen++
	gen := c.gen
	c.selected = threadID
	c.patientID = ""
	if t, ok := c.registry.Get(threadID); ok {
		c.patientID = t.PatientID
	}
	c.state = StateLoading
	c.timeline.Clear()
	c.timelineReady = false
	c.buffered = nil
	fetchCtx, cancel := context.WithCancel(ctx)
	c.cancelFetch = cancel
	c.mu.Unlock()
	defer cancel()

	c.closeSub(oldSub)
	c.notify(ChangeSelection | ChangeTimeline)
	c.log.Debug().Str("thread_id", threadID).Uint64("gen", gen).Msg("loading thread")

	detail, err := c.api.GetThread(fetchCtx, threadID)
	if err == nil && detail == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		c.mu.Lock()
		if gen != c.gen || c.closed {
			c.mu.Unlock()
			return fmt.Errorf("thread %s: %w", threadID, ErrSuperseded)
		}
		c.resetSelectionLocked()
		c.mu.Unlock()
		c.notify(ChangeSelection | ChangeTimeline)
		c.log.Warn().Err(err).Str("thread_id", threadID).Msg("thread history load failed")
		return fmt.Errorf("%w: thread %s: %w", ErrFetchFailed, threadID, err)
	}

	if !c.current(gen) {
		return fmt.Errorf("thread %s: %w", threadID, ErrSuperseded)
	}

	sub, subErr := c.push.Subscribe(ThreadScope(threadID), c.handlePush)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		c.closeSub(sub)
		return fmt.Errorf("thread %s: %w", threadID, ErrSuperseded)
	}
	if detail.Summary.PatientID != "" {
		c.patientID = detail.Summary.PatientID
	}
	tc := ThreadContext{ThreadID: threadID, PatientID: c.patientID}
	history := make([]Message, 0, len(detail.Messages))
	for _, raw := range detail.Messages {
		msg, err := c.norm.Normalize(raw, tc)
		if err != nil {
			c.log.Warn().Err(err).Str("thread_id", threadID).Msg("dropping malformed message from history")
			continue
		}
		history = append(history, msg)
		c.markSeenLocked(threadID, msg.ID)
	}
	c.timeline.Initialize(history)
	c.timelineReady = true
	for _, raw := range c.buffered {
		c.insertLiveLocked(raw, tc)
	}
	c.buffered = nil
	c.registry.Patch(threadID, summaryPatch(detail.Summary))
	c.registry.MarkRead(threadID)
	if subErr == nil {
		c.threadSub = sub
	}
	c.cancelFetch = nil
	if c.archiving > 0 {
		c.state = StateArchiving
	} else {
		c.state = StateActive
	}
	size := c.timeline.Len()
	c.mu.Unlock()

	if subErr != nil {
		c.log.Warn().Err(subErr).Str("thread_id", threadID).Msg("thread subscription failed; live updates suspended")
	}
	c.notify(ChangeSelection | ChangeTimeline | ChangeRegistry)
	c.log.Info().Str("thread_id", threadID).Int("messages", size).Msg("thread active")
	return nil
}

// SendMessage uploads files, posts the message and inserts the server's copy
// into the timeline through the same de-duplicating path as push delivery.
// While the request is in flight the send is visible in Pending.
func (c *Controller) SendMessage(ctx context.Context, content string, files []FileUpload) (Message, error) {
	content = strings.TrimSpace(content)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrClosed
	}
	if c.state != StateActive || !c.live() {
		c.mu.Unlock()
		return Message{}, ErrNotActive
	}
	if content == "" && len(files) == 0 {
		c.mu.Unlock()
		return Message{}, ErrEmptyMessage
	}
	threadID, gen := c.selected, c.gen
	tc := ThreadContext{ThreadID: threadID, PatientID: c.patientID}
	ps := c.pending.add(threadID, content, len(files))
	c.mu.Unlock()
	c.notify(ChangePending)

	raw, err := c.post(ctx, threadID, content, files)

	c.mu.Lock()
	c.pending.remove(ps.CorrelationID)
	if err != nil {
		c.mu.Unlock()
		c.notify(ChangePending)
		c.log.Warn().Err(err).Str("thread_id", threadID).Str("correlation_id", ps.CorrelationID).Msg("send failed")
		return Message{}, fmt.Errorf("%w: thread %s: %w", ErrSendFailed, threadID, err)
	}
	msg, err := c.norm.Normalize(*raw, tc)
	if err != nil {
		c.mu.Unlock()
		c.notify(ChangePending)
		c.log.Warn().Err(err).Str("thread_id", threadID).Msg("server returned malformed message")
		return Message{}, fmt.Errorf("%w: thread %s: %w", ErrSendFailed, threadID, err)
	}
	changed := ChangePending
	if gen == c.gen && c.live() && c.timeline.InsertOrdered(msg) {
		changed |= ChangeTimeline
	}
	c.markSeenLocked(threadID, msg.ID)
	if c.touchLastMessageLocked(msg) {
		changed |= ChangeRegistry
	}
	c.mu.Unlock()
	c.notify(changed)
	return msg, nil
}

func (c *Controller) post(ctx context.Context, threadID, content string, files []FileUpload) (*RawMessage, error) {
	var attachments []Attachment
	if len(files) > 0 {
		var err error
		attachments, err = c.api.UploadFiles(ctx, files)
		if err != nil {
			return nil, fmt.Errorf("upload attachments: %w", err)
		}
	}
	raw, err := c.api.SendMessage(ctx, threadID, content, attachments)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("empty response")
	}
	return raw, nil
}

// ArchiveThread archives threadID. Archiving the open thread clears the
// timeline and returns the Controller to Idle. On failure nothing changes.
func (c *Controller) ArchiveThread(ctx context.Context, threadID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.archiving++
	c.state = StateArchiving
	c.mu.Unlock()
	c.notify(ChangeSelection)

	err := c.api.ArchiveThread(ctx, threadID)

	c.mu.Lock()
	c.archiving--
	if err != nil {
		if c.state == StateArchiving && c.archiving == 0 {
			c.state = c.settledStateLocked()
		}
		c.mu.Unlock()
		c.notify(ChangeSelection)
		c.log.Warn().Err(err).Str("thread_id", threadID).Msg("archive failed")
		return fmt.Errorf("%w: thread %s: %w", ErrArchiveFailed, threadID, err)
	}

	c.registry.Archive(threadID)
	changed := ChangeRegistry | ChangeSelection
	var oldSub Subscription
	if threadID == c.selected {
		oldSub = c.threadSub
		c.threadSub = nil
		c.gen++
		c.resetSelectionLocked()
		changed |= ChangeTimeline
	}
	if c.state == StateArchiving && c.archiving == 0 {
		c.state = c.settledStateLocked()
	}
	c.mu.Unlock()

	c.closeSub(oldSub)
	c.notify(changed)
	c.log.Info().Str("thread_id", threadID).Msg("thread archived")
	return nil
}

// Refresh reloads the thread list wholesale and merges a fresh copy of the
// open thread's history into the timeline.
func (c *Controller) Refresh(ctx context.Context) error {
	threads, err := c.loadThreads(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("thread list load failed")
		return fmt.Errorf("%w: thread list: %w", ErrFetchFailed, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.registry.LoadAll(threads)
	threadID, gen, live := c.selected, c.gen, c.live()
	if live {
		c.registry.MarkRead(threadID)
	}
	counters := c.registry.Counters()
	c.mu.Unlock()
	c.notify(ChangeRegistry)
	c.log.Debug().
		Int("threads", counters.ThreadCount).
		Int("unread", counters.UnreadTotal).
		Int("urgent", counters.UrgentTotal).
		Msg("thread list loaded")

	if !live {
		return nil
	}
	detail, err := c.api.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("%w: thread %s: %w", ErrFetchFailed, threadID, err)
	}
	if detail == nil {
		return nil
	}

	c.mu.Lock()
	if gen != c.gen || !c.live() {
		c.mu.Unlock()
		return nil
	}
	tc := ThreadContext{ThreadID: threadID, PatientID: c.patientID}
	added := 0
	for _, raw := range detail.Messages {
		msg, err := c.norm.Normalize(raw, tc)
		if err != nil {
			c.log.Warn().Err(err).Str("thread_id", threadID).Msg("dropping malformed message from history")
			continue
		}
		c.markSeenLocked(threadID, msg.ID)
		if c.timeline.InsertOrdered(msg) {
			added++
		}
	}
	c.mu.Unlock()
	if added > 0 {
		c.notify(ChangeTimeline)
	}
	return nil
}

func (c *Controller) loadThreads(ctx context.Context) ([]ThreadSummary, error) {
	threads, err := c.api.ListThreads(ctx, false)
	if err != nil {
		return nil, err
	}
	if !c.includeArchived {
		return threads, nil
	}
	archived, err := c.api.ListThreads(ctx, true)
	if err != nil {
		return nil, err
	}
	return append(threads, archived...), nil
}

// handlePush routes one decoded push event.
func (c *Controller) handlePush(ev PushEvent) {
	switch e := ev.(type) {
	case NewMessageEvent:
		c.onPushMessage(e.Message)
	case ThreadUpdateEvent:
		c.onThreadUpdate(e)
	case ReadAckEvent:
		c.onMessageReadAck(e.ThreadID, e.MessageID)
	default:
		c.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("ignoring unknown push event")
	}
}

func (c *Controller) onPushMessage(raw RawMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	threadID := raw.ThreadID

	if threadID != "" && threadID == c.selected {
		var changed Change
		switch {
		case c.timelineReady:
			if c.insertLiveLocked(raw, ThreadContext{ThreadID: threadID, PatientID: c.patientID}) {
				changed = ChangeTimeline | ChangeRegistry
			}
		default:
			c.buffered = append(c.buffered, raw)
		}
		c.mu.Unlock()
		c.notify(changed)
		return
	}

	summary, known := c.registry.Get(threadID)
	msg, err := c.norm.Normalize(raw, ThreadContext{ThreadID: threadID, PatientID: summary.PatientID})
	if err != nil {
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("thread_id", threadID).Msg("dropping malformed push message")
		return
	}
	if !known || !c.markSeenLocked(threadID, msg.ID) {
		c.mu.Unlock()
		return
	}
	c.touchLastMessageLocked(msg)
	if msg.SenderKind == SenderPatient {
		c.registry.IncrementUnread(threadID)
	}
	c.mu.Unlock()
	c.notify(ChangeRegistry)
}

// insertLiveLocked normalizes a message for the open thread and inserts it.
// The open thread is being read, so patient messages are marked read and the
// thread's unread count is not touched.
func (c *Controller) insertLiveLocked(raw RawMessage, tc ThreadContext) bool {
	msg, err := c.norm.Normalize(raw, tc)
	if err != nil {
		c.log.Warn().Err(err).Str("thread_id", tc.ThreadID).Msg("dropping malformed push message")
		return false
	}
	if msg.SenderKind == SenderPatient {
		msg.Read = true
	}
	c.markSeenLocked(tc.ThreadID, msg.ID)
	if !c.timeline.InsertOrdered(msg) {
		return false
	}
	c.touchLastMessageLocked(msg)
	return true
}

func (c *Controller) onThreadUpdate(e ThreadUpdateEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	known := c.registry.Patch(e.ThreadID, e.Patch)
	selected := e.ThreadID == c.selected
	c.mu.Unlock()

	if !known {
		c.log.Debug().Str("thread_id", e.ThreadID).Msg("thread update for unknown thread dropped")
		return
	}
	changed := ChangeRegistry
	if selected {
		changed |= ChangeSelection
	}
	c.notify(changed)
}

func (c *Controller) onMessageReadAck(threadID, messageID string) {
	c.mu.Lock()
	if c.closed || threadID != c.selected {
		c.mu.Unlock()
		return
	}
	found := c.timeline.MarkRead(messageID)
	c.mu.Unlock()

	if !found {
		c.log.Warn().Str("thread_id", threadID).Str("message_id", messageID).Msg("read ack for message not in timeline")
		return
	}
	c.notify(ChangeTimeline)
}

func (c *Controller) watchConnection(states <-chan bool) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case up, ok := <-states:
			if !ok {
				return
			}
			c.onConnectionChange(up)
		}
	}
}

// onConnectionChange keeps all state on disconnect. After a reconnect it
// replaces the inbox and open-thread subscriptions.
func (c *Controller) onConnectionChange(up bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = up
	if !up {
		c.dropped = true
		c.mu.Unlock()
		c.log.Warn().Msg("push channel disconnected; live updates suspended")
		c.notify(ChangeConnection)
		return
	}
	if !c.dropped {
		c.mu.Unlock()
		c.notify(ChangeConnection)
		return
	}
	c.dropped = false
	threadSub, inboxSub := c.threadSub, c.inboxSub
	c.threadSub, c.inboxSub = nil, nil
	threadID, gen, live := c.selected, c.gen, c.live()
	c.mu.Unlock()

	c.closeSub(threadSub)
	c.closeSub(inboxSub)
	c.subscribeInbox()
	if live {
		sub, err := c.push.Subscribe(ThreadScope(threadID), c.handlePush)
		if err != nil {
			c.log.Warn().Err(err).Str("thread_id", threadID).Msg("thread resubscribe failed")
		} else {
			c.mu.Lock()
			if gen == c.gen && !c.closed && c.threadSub == nil {
				c.threadSub = sub
				sub = nil
			}
			c.mu.Unlock()
			c.closeSub(sub)
		}
	}
	c.log.Info().Str("thread_id", threadID).Msg("push channel reconnected; subscriptions restored")
	c.notify(ChangeConnection)
}

func (c *Controller) subscribeInbox() {
	if c.providerID == "" {
		return
	}
	sub, err := c.push.Subscribe(InboxScope(c.providerID), c.handlePush)
	if err != nil {
		c.log.Warn().Err(err).Str("provider_id", c.providerID).Msg("inbox subscription failed")
		return
	}
	c.mu.Lock()
	if c.closed || c.inboxSub != nil {
		c.mu.Unlock()
		c.closeSub(sub)
		return
	}
	c.inboxSub = sub
	c.mu.Unlock()
}

// requestPatientLocked starts a background directory fetch for patientID
// unless one is already running. It is the Normalizer's miss callback and
// runs with c.mu held.
func (c *Controller) requestPatientLocked(patientID string) {
	if c.closed {
		return
	}
	if _, running := c.fetching[patientID]; running {
		return
	}
	c.fetching[patientID] = struct{}{}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.lookupTimeout)
		defer cancel()
		_, err := c.ResolvePatient(ctx, patientID)

		c.mu.Lock()
		delete(c.fetching, patientID)
		c.mu.Unlock()
		if err != nil {
			c.log.Warn().Err(err).Str("patient_id", patientID).Msg("keeping placeholder name")
			return
		}
		c.notify(ChangeDirectory)
	}()
}

// ResolvePatient returns the patient's display name, fetching and caching it
// on a miss. Concurrent calls for one patient share a single request.
func (c *Controller) ResolvePatient(ctx context.Context, patientID string) (string, error) {
	if name, ok := c.dir.Lookup(patientID); ok {
		return name, nil
	}
	v, err, _ := c.lookups.Do(patientID, func() (any, error) {
		p, err := c.api.GetPatient(ctx, patientID)
		if err != nil {
			return "", fmt.Errorf("%w: patient %s: %w", ErrDirectoryLookupFailed, patientID, err)
		}
		if p == nil || strings.TrimSpace(p.DisplayName) == "" {
			return "", fmt.Errorf("%w: patient %s: no display name", ErrDirectoryLookupFailed, patientID)
		}
		c.dir.Store(patientID, p.DisplayName)
		return strings.TrimSpace(p.DisplayName), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// State returns the current selection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Selected returns the open thread id, or "" when Idle.
func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Timeline returns a copy of the open thread's messages in order. Names are
// as they were at normalization; PatientName has the current directory entry.
func (c *Controller) Timeline() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline.Messages()
}

// Threads returns the summaries matching f.
func (c *Controller) Threads(f ThreadFilter) []ThreadSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Filter(f, c.PatientName)
}

// Thread returns the summary for threadID.
func (c *Controller) Thread(threadID string) (ThreadSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Get(threadID)
}

// Counters returns the session counters.
func (c *Controller) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Counters()
}

// Pending returns in-flight sends for the open thread.
func (c *Controller) Pending() []PendingSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.forThread(c.selected)
}

// Connected reports the last connectivity state seen from the transport.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PatientName returns the cached display name or the placeholder.
func (c *Controller) PatientName(patientID string) string {
	if name, ok := c.dir.Lookup(patientID); ok {
		return name
	}
	return c.placeholder
}

// Changes delivers change notifications. When the consumer falls behind,
// notifications are merged rather than dropped.
func (c *Controller) Changes() <-chan Change {
	return c.changes
}

func (c *Controller) notify(ch Change) {
	if ch == 0 {
		return
	}
	c.chMu.Lock()
	defer c.chMu.Unlock()
	if c.chClosed {
		return
	}
	select {
	case c.changes <- ch:
	default:
		select {
		case old := <-c.changes:
			ch |= old
		default:
		}
		c.changes <- ch
	}
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.closed
}

func (c *Controller) live() bool {
	return c.selected != "" && c.timelineReady
}

func (c *Controller) resetSelectionLocked() {
	if c.cancelFetch != nil {
		c.cancelFetch()
		c.cancelFetch = nil
	}
	c.selected = ""
	c.patientID = ""
	c.timeline.Clear()
	c.timelineReady = false
	c.buffered = nil
	if c.archiving > 0 {
		c.state = StateArchiving
	} else {
		c.state = StateIdle
	}
}

func (c *Controller) settledStateLocked() State {
	switch {
	case c.selected == "":
		return StateIdle
	case c.timelineReady:
		return StateActive
	default:
		return StateLoading
	}
}

// markSeenLocked records a message id for a thread and reports whether it
// was new. It keeps redelivered messages from being counted as unread twice.
func (c *Controller) markSeenLocked(threadID, messageID string) bool {
	key := threadID + "\x00" + messageID
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	return true
}

// touchLastMessageLocked moves the thread's last-message fields forward to
// msg. Older messages never replace a newer excerpt.
func (c *Controller) touchLastMessageLocked(msg Message) bool {
	t, ok := c.registry.Get(msg.ThreadID)
	if !ok || msg.CreatedAt.Before(t.LastMessageAt) {
		return false
	}
	excerpt := Excerpt(msg)
	at := msg.CreatedAt
	return c.registry.Patch(msg.ThreadID, ThreadPatch{LastMessageExcerpt: &excerpt, LastMessageAt: &at})
}

func (c *Controller) closeSub(s Subscription) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		c.log.Warn().Err(err).Msg("closing push subscription")
	}
}

func summaryPatch(s ThreadSummary) ThreadPatch {
	p := ThreadPatch{
		IsUrgent:   &s.IsUrgent,
		IsArchived: &s.IsArchived,
	}
	if s.Topic != "" {
		p.Topic = &s.Topic
	}
	if !s.LastMessageAt.IsZero() {
		p.LastMessageExcerpt = &s.LastMessageExcerpt
		p.LastMessageAt = &s.LastMessageAt
	}
	return p
}
