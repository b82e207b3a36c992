package messaging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicmsg/internal/platform/auth"
	"github.com/ehr/clinicmsg/internal/platform/blobstore"
	"github.com/ehr/clinicmsg/internal/platform/metrics"
	"github.com/ehr/clinicmsg/internal/platform/websocket"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid request")
	ErrArchived  = errors.New("thread is archived")
)

const (
	maxAttachments = 10
	maxTopicLength = 200
)

// viewer is the authenticated caller of a service operation.
type viewer struct {
	id    string
	roles []string
}

func viewerFrom(ctx context.Context) viewer {
	return viewer{id: auth.UserIDFromContext(ctx), roles: auth.RolesFromContext(ctx)}
}

// kind is the sender kind the viewer writes as; admins without a clinical
// role have none.
func (v viewer) kind() string {
	switch {
	case slices.Contains(v.roles, auth.RoleProvider):
		return SenderProvider
	case slices.Contains(v.roles, auth.RolePatient):
		return SenderPatient
	}
	return ""
}

func (v viewer) isAdmin() bool { return slices.Contains(v.roles, auth.RoleAdmin) }

// participates reports whether the viewer is one side of t.
func (v viewer) participates(t *Thread) bool {
	switch v.kind() {
	case SenderProvider:
		return t.ProviderID == v.id
	case SenderPatient:
		return t.PatientID == v.id
	}
	return false
}

func (v viewer) canSee(t *Thread) bool { return v.isAdmin() || v.participates(t) }

func (v viewer) canManage(t *Thread) bool {
	return v.isAdmin() || (v.kind() == SenderProvider && t.ProviderID == v.id)
}

type Service struct {
	threads  ThreadRepository
	messages MessageRepository
	patients PatientRepository
	tx       TxRunner
	events   websocket.EventPublisher
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

type ServiceOption func(*Service)

func WithEventPublisher(p websocket.EventPublisher) ServiceOption {
	return func(s *Service) { s.events = p }
}

func WithMetrics(m *metrics.Metrics) ServiceOption { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) ServiceOption { return func(s *Service) { s.log = l } }

func NewService(
	threads ThreadRepository,
	messages MessageRepository,
	patients PatientRepository,
	tx TxRunner,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		threads:  threads,
		messages: messages,
		patients: patients,
		tx:       tx,
		log:      zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.InTx(ctx, fn)
}

// publish sends one event per topic. Delivery failures are logged; the
// mutation they announce has already been committed.
func (s *Service) publish(ctx context.Context, eventType string, threadID uuid.UUID, payload any, topics ...string) {
	if s.events == nil {
		return
	}
	for _, topic := range topics {
		ev, err := websocket.NewEvent(eventType, topic, threadID.String(), payload)
		if err == nil {
			err = s.events.Publish(ctx, ev)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("type", eventType).Str("topic", topic).Msg("publish failed")
		}
	}
}

func topicsFor(t *Thread) []string {
	return []string{websocket.ThreadTopic(t.ID.String()), websocket.InboxTopic(t.ProviderID)}
}

// loadVisible fetches a thread and checks the viewer may see it. Threads the
// viewer may not see are reported as missing.
func (s *Service) loadVisible(ctx context.Context, v viewer, id uuid.UUID) (*Thread, error) {
	t, err := s.threads.GetByID(ctx, id, v.kind())
	if err != nil {
		return nil, err
	}
	if !v.canSee(t) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// -- Threads --

// ListThreads returns the viewer's threads, most recent activity first.
// Admins see every thread.
func (s *Service) ListThreads(ctx context.Context, archived bool, limit, offset int) ([]*Thread, int, error) {
	v := viewerFrom(ctx)
	q := ThreadQuery{Archived: archived, ViewerKind: v.kind()}
	switch {
	case v.isAdmin():
	case v.kind() == SenderProvider:
		q.ProviderID = v.id
	case v.kind() == SenderPatient:
		q.PatientID = v.id
	default:
		return nil, 0, ErrForbidden
	}
	return s.threads.List(ctx, q, limit, offset)
}

func (s *Service) CreateThread(ctx context.Context, req CreateThreadRequest) (*Thread, error) {
	v := viewerFrom(ctx)
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalid)
	}
	if utf8.RuneCountInString(req.Topic) > maxTopicLength {
		return nil, fmt.Errorf("%w: topic exceeds %d characters", ErrInvalid, maxTopicLength)
	}
	switch {
	case v.kind() == SenderProvider && (req.ProviderID == "" || req.ProviderID == v.id):
		req.ProviderID = v.id
	case v.isAdmin():
		if req.ProviderID == "" {
			return nil, fmt.Errorf("%w: provider_id is required", ErrInvalid)
		}
	default:
		return nil, ErrForbidden
	}

	if _, err := s.patients.GetByID(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown patient %s", ErrInvalid, req.PatientID)
		}
		return nil, err
	}

	t := &Thread{
		PatientID:  req.PatientID,
		ProviderID: req.ProviderID,
		Topic:      strings.TrimSpace(req.Topic),
		IsUrgent:   req.IsUrgent,
	}
	if err := s.threads.Create(ctx, t); err != nil {
		return nil, err
	}
	s.log.Info().Str("thread_id", t.ID.String()).Str("patient_id", t.PatientID).Msg("thread created")
	return t, nil
}

// GetThread returns the thread with its newest limit messages. When the
// viewer is a participant, the counterpart's messages are marked read first
// and a read acknowledgement is published for each of them.
func (s *Service) GetThread(ctx context.Context, id uuid.UUID, limit int) (*ThreadDetail, error) {
	v := viewerFrom(ctx)
	t, err := s.loadVisible(ctx, v, id)
	if err != nil {
		return nil, err
	}

	var readIDs []int64
	var msgs []*Message
	err = s.inTx(ctx, func(ctx context.Context) error {
		var err error
		if v.participates(t) {
			if readIDs, err = s.messages.MarkRead(ctx, id, v.kind(), s.now()); err != nil {
				return fmt.Errorf("mark read: %w", err)
			}
		}
		msgs, err = s.messages.ListRecent(ctx, id, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if v.participates(t) {
		t.UnreadCount = 0
	}

	for _, mid := range readIDs {
		s.publish(ctx, websocket.EventMessageRead, id,
			readEvent{ThreadID: id.String(), MessageID: strconv.FormatInt(mid, 10)},
			websocket.ThreadTopic(id.String()))
	}
	if len(readIDs) > 0 && v.kind() == SenderProvider {
		zero := 0
		s.publish(ctx, websocket.EventThreadUpdated, id, ThreadPatch{UnreadCount: &zero},
			websocket.InboxTopic(t.ProviderID))
	}

	if msgs == nil {
		msgs = []*Message{}
	}
	return &ThreadDetail{Summary: t, Messages: msgs}, nil
}

// UpdateThread applies topic, urgency or archive changes and announces them.
func (s *Service) UpdateThread(ctx context.Context, id uuid.UUID, p ThreadPatch) (*Thread, error) {
	v := viewerFrom(ctx)
	p = ThreadPatch{Topic: p.Topic, IsUrgent: p.IsUrgent, IsArchived: p.IsArchived}
	if p.empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalid)
	}
	if p.Topic != nil {
		topic := strings.TrimSpace(*p.Topic)
		if utf8.RuneCountInString(topic) > maxTopicLength {
			return nil, fmt.Errorf("%w: topic exceeds %d characters", ErrInvalid, maxTopicLength)
		}
		p.Topic = &topic
	}

	t, err := s.loadVisible(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if !v.canManage(t) {
		return nil, ErrForbidden
	}
	if err := s.threads.Update(ctx, id, p); err != nil {
		return nil, err
	}
	updated, err := s.threads.GetByID(ctx, id, v.kind())
	if err != nil {
		return nil, err
	}

	s.publish(ctx, websocket.EventThreadUpdated, id, p, topicsFor(updated)...)
	return updated, nil
}

// ArchiveThread moves a thread to the archive. Archiving an archived thread
// succeeds without change.
func (s *Service) ArchiveThread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	archived := true
	t, err := s.UpdateThread(ctx, id, ThreadPatch{IsArchived: &archived})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("thread_id", id.String()).Msg("thread archived")
	return t, nil
}

// -- Messages --

func validateAttachments(atts []blobstore.Attachment) error {
	if len(atts) > maxAttachments {
		return fmt.Errorf("%w: at most %d attachments", ErrInvalid, maxAttachments)
	}
	for i, a := range atts {
		if a.ID == "" || a.URL == "" || strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("%w: attachment %d needs id, name and url", ErrInvalid, i)
		}
		switch a.Kind {
		case blobstore.KindImage, blobstore.KindDocument, blobstore.KindPDF:
		default:
			return fmt.Errorf("%w: attachment %d has unknown kind %q", ErrInvalid, i, a.Kind)
		}
	}
	return nil
}

// SendMessage stores a message from the viewer and publishes it to the
// thread topic and to the owning provider's inbox topic.
func (s *Service) SendMessage(ctx context.Context, threadID uuid.UUID, req SendMessageRequest) (*Message, error) {
	v := viewerFrom(ctx)
	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		return nil, fmt.Errorf("%w: content or attachments required", ErrInvalid)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLength)
	}
	if err := validateAttachments(req.Attachments); err != nil {
		return nil, err
	}

	t, err := s.loadVisible(ctx, v, threadID)
	if err != nil {
		return nil, err
	}
	if t.IsArchived {
		return nil, ErrArchived
	}

	kind := SenderSystem
	if v.participates(t) {
		kind = v.kind()
	}
	m := &Message{
		ThreadID:    threadID,
		SenderID:    v.id,
		SenderKind:  kind,
		Content:     content,
		Attachments: req.Attachments,
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.messages.Create(ctx, m); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return s.threads.TouchLastMessage(ctx, threadID, Excerpt(m.Content, m.Attachments), m.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.MessageSent(kind)
	s.log.Info().
		Str("thread_id", threadID.String()).
		Int64("message_id", m.ID).
		Str("sender_kind", kind).
		Int("attachments", len(m.Attachments)).
		Msg("message sent")
	s.publish(ctx, websocket.EventMessageCreated, threadID, m, topicsFor(t)...)
	return m, nil
}

// -- Patients --

func (s *Service) GetPatient(ctx context.Context, id string) (*Patient, error) {
	v := viewerFrom(ctx)
	if v.kind() == SenderPatient && !v.isAdmin() && v.id != id {
		return nil, fmt.Errorf("patient %s: %w", id, ErrNotFound)
	}
	return s.patients.GetByID(ctx, id)
}

func (s *Service) UpsertPatient(ctx context.Context, p *Patient) error {
	v := viewerFrom(ctx)
	if v.kind() != SenderProvider && !v.isAdmin() {
		return ErrForbidden
	}
	p.ID = strings.TrimSpace(p.ID)
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.ID == "" || p.DisplayName == "" {
		return fmt.Errorf("%w: id and display_name are required", ErrInvalid)
	}
	return s.patients.Upsert(ctx, p)
}

// -- Push authorization --

// AuthorizeTopic extends websocket.DefaultAuthorizer: a thread topic may only
// be followed by the thread's participants and admins.
func (s *Service) AuthorizeTopic(ctx context.Context, client *websocket.Client, topic string) bool {
	kind, id, ok := websocket.SplitTopic(topic)
	if !ok || kind != "thread" {
		return websocket.DefaultAuthorizer(ctx, client, topic)
	}
	threadID, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	v := viewer{id: client.UserID, roles: client.Roles}
	t, err := s.threads.GetByID(ctx, threadID, "")
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn().Err(err).Str("topic", topic).Msg("topic authorization lookup failed")
		}
		return false
	}
	return v.canSee(t)
}
