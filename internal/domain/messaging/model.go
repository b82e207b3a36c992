// Package messaging is the gateway side of doctor-patient conversations:
// threads, their messages and the patient directory, stored in PostgreSQL and
// announced to push subscribers.
package messaging

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinicmsg/internal/platform/blobstore"
)

// Sender kinds.
const (
	SenderPatient  = "patient"
	SenderProvider = "provider"
	SenderSystem   = "system"
)

// MaxContentLength bounds the body of a single message, in runes.
const MaxContentLength = 4000

const excerptLength = 120

type Patient struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Thread is a conversation between one provider and one patient. UnreadCount
// is computed for the viewer that loaded it.
type Thread struct {
	ID                 uuid.UUID `json:"id"`
	PatientID          string    `json:"patient_id"`
	ProviderID         string    `json:"provider_id"`
	Topic              string    `json:"topic,omitempty"`
	IsUrgent           bool      `json:"is_urgent"`
	IsArchived         bool      `json:"is_archived"`
	LastMessageExcerpt string    `json:"last_message_excerpt"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type Message struct {
	ID          int64                  `json:"id,string"`
	ThreadID    uuid.UUID              `json:"thread_id"`
	SenderID    string                 `json:"sender_id"`
	SenderKind  string                 `json:"sender_kind"`
	Content     string                 `json:"content"`
	Read        bool                   `json:"read"`
	ReadAt      *time.Time             `json:"read_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Attachments []blobstore.Attachment `json:"attachments,omitempty"`
}

// ThreadDetail is a thread summary with its most recent messages, oldest
// first.
type ThreadDetail struct {
	Summary  *Thread    `json:"summary"`
	Messages []*Message `json:"messages"`
}

// ThreadPatch is a partial thread update. Nil fields are left untouched.
type ThreadPatch struct {
	Topic              *string    `json:"topic,omitempty"`
	IsUrgent           *bool      `json:"is_urgent,omitempty"`
	IsArchived         *bool      `json:"is_archived,omitempty"`
	LastMessageExcerpt *string    `json:"last_message_excerpt,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	UnreadCount        *int       `json:"unread_count,omitempty"`
}

func (p ThreadPatch) empty() bool {
	return p.Topic == nil && p.IsUrgent == nil && p.IsArchived == nil &&
		p.LastMessageExcerpt == nil && p.LastMessageAt == nil && p.UnreadCount == nil
}

type CreateThreadRequest struct {
	PatientID  string `json:"patient_id"`
	ProviderID string `json:"provider_id,omitempty"`
	Topic      string `json:"topic,omitempty"`
	IsUrgent   bool   `json:"is_urgent"`
}

type SendMessageRequest struct {
	Content     string                 `json:"content"`
	Attachments []blobstore.Attachment `json:"attachments,omitempty"`
}

// ThreadQuery selects the threads visible to a viewer.
type ThreadQuery struct {
	ProviderID string
	PatientID  string
	Archived   bool
	// ViewerKind decides which messages count as unread: those written by
	// anyone else. Empty counts nothing.
	ViewerKind string
}

// readEvent is the payload of a message.read push event.
type readEvent struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

// Excerpt returns the one-line summary shown for a message in thread lists.
func Excerpt(content string, attachments []blobstore.Attachment) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		switch len(attachments) {
		case 0:
			return ""
		case 1:
			return "Attachment: " + attachments[0].Name
		default:
			return "Attachments"
		}
	}
	runes := []rune(content)
	if len(runes) > excerptLength {
		return string(runes[:excerptLength-1]) + "…"
	}
	return content
}
