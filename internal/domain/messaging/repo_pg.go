package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicmsg/internal/platform/db"
)

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// =========== Thread Repository ===========

type threadRepoPG struct{ pool *pgxpool.Pool }

func NewThreadRepoPG(pool *pgxpool.Pool) ThreadRepository {
	return &threadRepoPG{pool: pool}
}

func (r *threadRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// threadCols expects the viewer kind as $1.
const threadCols = `t.id, t.patient_id, t.provider_id, t.topic, t.is_urgent, t.is_archived,
	t.last_message_excerpt, t.last_message_at,
	(SELECT COUNT(*) FROM messages m
		WHERE m.thread_id = t.id AND m.read_at IS NULL
		AND $1 <> '' AND m.sender_kind <> $1) AS unread_count,
	t.created_at, t.updated_at`

func (r *threadRepoPG) scanThread(row pgx.Row) (*Thread, error) {
	var t Thread
	err := row.Scan(&t.ID, &t.PatientID, &t.ProviderID, &t.Topic, &t.IsUrgent, &t.IsArchived,
		&t.LastMessageExcerpt, &t.LastMessageAt, &t.UnreadCount, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *threadRepoPG) Create(ctx context.Context, t *Thread) error {
	t.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO threads (id, patient_id, provider_id, topic, is_urgent)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING last_message_at, created_at, updated_at`,
		t.ID, t.PatientID, t.ProviderID, t.Topic, t.IsUrgent,
	).Scan(&t.LastMessageAt, &t.CreatedAt, &t.UpdatedAt)
}

func (r *threadRepoPG) GetByID(ctx context.Context, id uuid.UUID, viewerKind string) (*Thread, error) {
	t, err := r.scanThread(r.conn(ctx).QueryRow(ctx,
		`SELECT `+threadCols+` FROM threads t WHERE t.id = $2`, viewerKind, id))
	if err != nil {
		return nil, notFound(err, "thread "+id.String())
	}
	return t, nil
}

// threadFilter renders the WHERE clause of q with placeholders starting at
// $first.
func threadFilter(q ThreadQuery, first int) (string, []any) {
	args := []any{q.Archived}
	where := []string{fmt.Sprintf("t.is_archived = $%d", first)}
	if q.ProviderID != "" {
		args = append(args, q.ProviderID)
		where = append(where, fmt.Sprintf("t.provider_id = $%d", first+len(args)-1))
	}
	if q.PatientID != "" {
		args = append(args, q.PatientID)
		where = append(where, fmt.Sprintf("t.patient_id = $%d", first+len(args)-1))
	}
	return strings.Join(where, " AND "), args
}

func (r *threadRepoPG) List(ctx context.Context, q ThreadQuery, limit, offset int) ([]*Thread, int, error) {
	cond, args := threadFilter(q, 1)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM threads t WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	cond, args = threadFilter(q, 2)
	args = append([]any{q.ViewerKind}, args...)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM threads t WHERE %s ORDER BY t.last_message_at DESC, t.id LIMIT $%d OFFSET $%d`,
		threadCols, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Thread
	for rows.Next() {
		t, err := r.scanThread(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (r *threadRepoPG) Update(ctx context.Context, id uuid.UUID, p ThreadPatch) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE threads SET
			topic = COALESCE($2, topic),
			is_urgent = COALESCE($3, is_urgent),
			is_archived = COALESCE($4, is_archived),
			updated_at = NOW()
		WHERE id = $1`,
		id, p.Topic, p.IsUrgent, p.IsArchived)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchLastMessage never moves last_message_at backwards.
func (r *threadRepoPG) TouchLastMessage(ctx context.Context, id uuid.UUID, excerpt string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE threads SET last_message_excerpt = $2, last_message_at = $3, updated_at = NOW()
		WHERE id = $1 AND last_message_at <= $3`,
		id, excerpt, at)
	return err
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const msgCols = `m.id, m.thread_id, m.sender_id, m.sender_kind, m.content, m.read_at, m.created_at,
	COALESCE((SELECT json_agg(json_build_object(
			'id', a.id, 'name', a.name, 'kind', a.kind, 'url', a.url, 'size_bytes', a.size_bytes)
			ORDER BY a.position)
		FROM message_attachments a WHERE a.message_id = m.id), '[]'::json)`

func (r *messageRepoPG) scanMsg(row pgx.Row) (*Message, error) {
	var m Message
	var attachments []byte
	if err := row.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.SenderKind, &m.Content,
		&m.ReadAt, &m.CreatedAt, &attachments); err != nil {
		return nil, err
	}
	m.Read = m.ReadAt != nil
	if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of message %d: %w", m.ID, err)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return &m, nil
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	q := r.conn(ctx)
	if err := q.QueryRow(ctx, `
		INSERT INTO messages (thread_id, sender_id, sender_kind, content)
		VALUES ($1,$2,$3,$4)
		RETURNING id, created_at`,
		m.ThreadID, m.SenderID, m.SenderKind, m.Content,
	).Scan(&m.ID, &m.CreatedAt); err != nil {
		return err
	}
	for i, a := range m.Attachments {
		if _, err := q.Exec(ctx, `
			INSERT INTO message_attachments (id, message_id, position, name, kind, url, size_bytes)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			a.ID, m.ID, i, a.Name, a.Kind, a.URL, a.SizeBytes); err != nil {
			return fmt.Errorf("insert attachment %d: %w", i, err)
		}
	}
	return nil
}

func (r *messageRepoPG) ListRecent(ctx context.Context, threadID uuid.UUID, limit int) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT * FROM (
			SELECT `+msgCols+` FROM messages m
			WHERE m.thread_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		) recent ORDER BY created_at, id`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := r.scanMsg(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *messageRepoPG) MarkRead(ctx context.Context, threadID uuid.UUID, readerKind string, at time.Time) ([]int64, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE messages SET read_at = $3
		WHERE thread_id = $1 AND sender_kind <> $2 AND read_at IS NULL
		RETURNING id`, threadID, readerKind, at)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, display_name, created_at, updated_at FROM patients WHERE id = $1`, id,
	).Scan(&p.ID, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "patient "+id)
	}
	return &p, nil
}

func (r *patientRepoPG) Upsert(ctx context.Context, p *Patient) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = NOW()
		RETURNING created_at, updated_at`,
		p.ID, p.DisplayName,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}
