package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ThreadRepository interface {
	Create(ctx context.Context, t *Thread) error
	GetByID(ctx context.Context, id uuid.UUID, viewerKind string) (*Thread, error)
	List(ctx context.Context, q ThreadQuery, limit, offset int) ([]*Thread, int, error)
	Update(ctx context.Context, id uuid.UUID, p ThreadPatch) error
	TouchLastMessage(ctx context.Context, id uuid.UUID, excerpt string, at time.Time) error
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	// ListRecent returns the newest limit messages of a thread, oldest first.
	ListRecent(ctx context.Context, threadID uuid.UUID, limit int) ([]*Message, error)
	// MarkRead stamps every unread message not written by readerKind and
	// returns their ids.
	MarkRead(ctx context.Context, threadID uuid.UUID, readerKind string, at time.Time) ([]int64, error)
}

type PatientRepository interface {
	GetByID(ctx context.Context, id string) (*Patient, error)
	Upsert(ctx context.Context, p *Patient) error
}

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
