// Package msgsync keeps a provider's view of doctor-patient conversations in
// sync. It merges thread history loaded over the REST API with live push
// events, keeps per-thread unread and urgency counters consistent, and keeps
// the open thread's messages duplicate-free in (created_at, id) order.
package msgsync

import (
	"strings"
	"time"
)

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderPatient  SenderKind = "patient"
	SenderProvider SenderKind = "provider"
	SenderSystem   SenderKind = "system"
)

// ProviderDisplayName is shown for messages authored by the signed-in provider.
const ProviderDisplayName = "You"

// DefaultPlaceholderName is shown for a patient whose name is not resolved yet.
const DefaultPlaceholderName = "Patient"

func parseSenderKind(s string) (SenderKind, bool) {
	switch SenderKind(strings.ToLower(strings.TrimSpace(s))) {
	case SenderPatient:
		return SenderPatient, true
	case SenderProvider:
		return SenderProvider, true
	case SenderSystem:
		return SenderSystem, true
	}
	return "", false
}

// AttachmentKind is the coarse file category of an attachment.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
	AttachmentPDF      AttachmentKind = "pdf"
)

// ParseAttachmentKind maps a wire kind or MIME type onto an AttachmentKind.
// Anything unrecognised is treated as a document.
func ParseAttachmentKind(s string) AttachmentKind {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == string(AttachmentImage) || strings.HasPrefix(s, "image/"):
		return AttachmentImage
	case s == string(AttachmentPDF) || s == "application/pdf":
		return AttachmentPDF
	default:
		return AttachmentDocument
	}
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Kind      AttachmentKind `json:"kind"`
	URL       string         `json:"url"`
	SizeBytes int64          `json:"size_bytes"`
}

// Message is the canonical in-memory shape of a chat message.
type Message struct {
	ID                string       `json:"id"`
	ThreadID          string       `json:"thread_id"`
	SenderID          string       `json:"sender_id"`
	SenderKind        SenderKind   `json:"sender_kind"`
	SenderDisplayName string       `json:"sender_display_name"`
	Content           string       `json:"content"`
	CreatedAt         time.Time    `json:"created_at"`
	Read              bool         `json:"read"`
	Attachments       []Attachment `json:"attachments,omitempty"`
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// ThreadSummary is the list-level view of a conversation.
type ThreadSummary struct {
	ID                 string    `json:"id"`
	PatientID          string    `json:"patient_id"`
	Topic              string    `json:"topic,omitempty"`
	IsUrgent           bool      `json:"is_urgent"`
	IsArchived         bool      `json:"is_archived"`
	LastMessageExcerpt string    `json:"last_message_excerpt"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
}

// ThreadPatch carries the fields of a partial summary update. Nil fields are
// left untouched.
type ThreadPatch struct {
	Topic              *string    `json:"topic,omitempty"`
	IsUrgent           *bool      `json:"is_urgent,omitempty"`
	IsArchived         *bool      `json:"is_archived,omitempty"`
	LastMessageExcerpt *string    `json:"last_message_excerpt,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	UnreadCount        *int       `json:"unread_count,omitempty"`
}

func (p ThreadPatch) apply(t *ThreadSummary) {
	if p.Topic != nil {
		t.Topic = *p.Topic
	}
	if p.IsUrgent != nil {
		t.IsUrgent = *p.IsUrgent
	}
	if p.IsArchived != nil {
		t.IsArchived = *p.IsArchived
	}
	if p.LastMessageExcerpt != nil {
		t.LastMessageExcerpt = *p.LastMessageExcerpt
	}
	if p.LastMessageAt != nil {
		t.LastMessageAt = *p.LastMessageAt
	}
	if p.UnreadCount != nil {
		t.UnreadCount = max(*p.UnreadCount, 0)
	}
}

// Patient is a directory entry.
type Patient struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// RawAttachment is an attachment as it appears on the wire.
type RawAttachment struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
}

// RawMessage is a message as delivered by either the REST API or the push
// channel, before normalization.
type RawMessage struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"thread_id"`
	SenderID    string          `json:"sender_id"`
	SenderKind  string          `json:"sender_kind"`
	Content     string          `json:"content"`
	CreatedAt   string          `json:"created_at"`
	Read        bool            `json:"read"`
	Attachments []RawAttachment `json:"attachments,omitempty"`
}

// ThreadDetail is the result of loading a single thread's history.
type ThreadDetail struct {
	Summary  ThreadSummary `json:"summary"`
	Messages []RawMessage  `json:"messages"`
}

// FileUpload is a local file to be uploaded before a message is sent.
type FileUpload struct {
	Name        string
	ContentType string
	Data        []byte
}

// PendingSend is a message the provider has submitted that the server has not
// confirmed yet. It is never part of the Timeline.
type PendingSend struct {
	CorrelationID string    `json:"correlation_id"`
	ThreadID      string    `json:"thread_id"`
	Content       string    `json:"content"`
	FileCount     int       `json:"file_count"`
	StartedAt     time.Time `json:"started_at"`
}

const excerptLimit = 120

// Excerpt returns the summary line shown for a message in the thread list.
func Excerpt(m Message) string {
	content := strings.Join(strings.Fields(m.Content), " ")
	if content == "" && len(m.Attachments) > 0 {
		if len(m.Attachments) == 1 {
			return "Attachment: " + m.Attachments[0].Name
		}
		return "Attachments"
	}
	runes := []rune(content)
	if len(runes) > excerptLimit {
		return string(runes[:excerptLimit-1]) + "…"
	}
	return content
}
