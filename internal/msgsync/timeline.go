package msgsync

import (
	"slices"
	"strings"
)

// Timeline is the ordered, duplicate-free message list of the open thread.
// Order is (created_at, id) ascending no matter which source delivered a
// message first. Timeline is not safe for concurrent use; the Controller
// serializes access to it.
type Timeline struct {
	messages []Message
	ids      map[string]struct{}
}

// NewTimeline returns an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[string]struct{})}
}

// Initialize replaces the timeline with history, sorted and de-duplicated.
// When an id repeats, its first occurrence in history wins.
func (t *Timeline) Initialize(history []Message) {
	t.messages = make([]Message, 0, len(history))
	t.ids = make(map[string]struct{}, len(history))
	for _, m := range history {
		if _, dup := t.ids[m.ID]; dup {
			continue
		}
		t.ids[m.ID] = struct{}{}
		t.messages = append(t.messages, m.clone())
	}
	slices.SortStableFunc(t.messages, compareMessages)
}

// InsertOrdered adds m at its ordered position. It reports false and leaves
// the timeline untouched when a message with the same id is already present.
func (t *Timeline) InsertOrdered(m Message) bool {
	if _, dup := t.ids[m.ID]; dup {
		return false
	}
	i, _ := slices.BinarySearchFunc(t.messages, m, compareMessages)
	t.messages = slices.Insert(t.messages, i, m.clone())
	t.ids[m.ID] = struct{}{}
	return true
}

// MarkRead flips the read flag of the message with the given id. It reports
// whether the message was found.
func (t *Timeline) MarkRead(messageID string) bool {
	if _, ok := t.ids[messageID]; !ok {
		return false
	}
	for i := range t.messages {
		if t.messages[i].ID == messageID {
			t.messages[i].Read = true
			return true
		}
	}
	return false
}

// Clear empties the timeline.
func (t *Timeline) Clear() {
	t.messages = nil
	t.ids = make(map[string]struct{})
}

// Contains reports whether a message with the given id is present.
func (t *Timeline) Contains(messageID string) bool {
	_, ok := t.ids[messageID]
	return ok
}

// Len returns the number of messages.
func (t *Timeline) Len() int { return len(t.messages) }

// Messages returns a copy of the ordered messages.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.clone()
	}
	return out
}

func compareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return CompareIDs(a.ID, b.ID)
}

// CompareIDs orders message ids. Purely numeric ids sort before all others
// and compare by value, so "9" sorts before "10"; the rest compare lexically.
func CompareIDs(a, b string) int {
	da, db := isDigits(a), isDigits(b)
	switch {
	case da && !db:
		return -1
	case !da && db:
		return 1
	case !da:
		return strings.Compare(a, b)
	}
	na := strings.TrimLeft(a, "0")
	nb := strings.TrimLeft(b, "0")
	if len(na) != len(nb) {
		if len(na) < len(nb) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(na, nb); c != 0 {
		return c
	}
	// "007" and "7" are the same number; keep the order total.
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
