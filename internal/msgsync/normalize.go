package msgsync

import (
	"fmt"
	"strings"
	"time"
)

// ThreadContext identifies the thread a raw message is normalized for.
type ThreadContext struct {
	ThreadID  string
	PatientID string
}

// Normalizer turns raw wire messages into Messages. Patient names come from
// the Directory; a miss falls back to the placeholder and reports the patient
// id through onMiss so the owner can fetch it in the background.
type Normalizer struct {
	dir         *Directory
	placeholder string
	onMiss      func(patientID string)
}

// NewNormalizer returns a Normalizer reading names from dir. onMiss may be nil.
func NewNormalizer(dir *Directory, placeholder string, onMiss func(patientID string)) *Normalizer {
	if placeholder == "" {
		placeholder = DefaultPlaceholderName
	}
	return &Normalizer{dir: dir, placeholder: placeholder, onMiss: onMiss}
}

// Normalize converts raw into a Message. It fails with ErrMalformedTimestamp
// when created_at cannot be parsed and with ErrMalformedMessage when the id or
// sender kind is missing.
func (n *Normalizer) Normalize(raw RawMessage, tc ThreadContext) (Message, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return Message{}, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	kind, ok := parseSenderKind(raw.SenderKind)
	if !ok {
		return Message{}, fmt.Errorf("%w: message %s: unknown sender kind %q", ErrMalformedMessage, id, raw.SenderKind)
	}
	createdAt, err := ParseTimestamp(raw.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: %w", id, err)
	}

	threadID := raw.ThreadID
	if threadID == "" {
		threadID = tc.ThreadID
	}

	msg := Message{
		ID:         id,
		ThreadID:   threadID,
		SenderID:   raw.SenderID,
		SenderKind: kind,
		Content:    raw.Content,
		CreatedAt:  createdAt,
		Read:       raw.Read,
	}
	if kind == SenderProvider {
		msg.SenderDisplayName = ProviderDisplayName
	} else {
		patientID := tc.PatientID
		if patientID == "" && kind == SenderPatient {
			patientID = raw.SenderID
		}
		msg.SenderDisplayName = n.patientName(patientID)
	}

	if len(raw.Attachments) > 0 {
		msg.Attachments = make([]Attachment, 0, len(raw.Attachments))
		for _, a := range raw.Attachments {
			msg.Attachments = append(msg.Attachments, Attachment{
				ID:        a.ID,
				Name:      a.Name,
				Kind:      ParseAttachmentKind(a.Kind),
				URL:       a.URL,
				SizeBytes: a.SizeBytes,
			})
		}
	}
	return msg, nil
}

func (n *Normalizer) patientName(patientID string) string {
	if patientID == "" {
		return n.placeholder
	}
	if name, ok := n.dir.Lookup(patientID); ok {
		return name
	}
	if n.onMiss != nil {
		n.onMiss(patientID)
	}
	return n.placeholder
}

// ParseTimestamp parses an RFC 3339 timestamp (fractional seconds optional)
// and returns it in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrMalformedTimestamp)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
	}
	return t.UTC(), nil
}
