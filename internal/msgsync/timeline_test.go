package msgsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(id string, minute int) Message {
	return Message{ID: id, ThreadID: "5", SenderKind: SenderPatient, CreatedAt: at(minute)}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestTimeline_InitializeSortsAndDedupes(t *testing.T) {
	tl := NewTimeline()
	first := msgAt("2", 2)
	first.Content = "first"
	second := msgAt("2", 2)
	second.Content = "second"

	tl.Initialize([]Message{msgAt("3", 3), first, msgAt("1", 1), second})

	assert.Equal(t, []string{"1", "2", "3"}, ids(tl.Messages()))
	assert.Equal(t, "first", tl.Messages()[1].Content)
}

func TestTimeline_InsertOrdered(t *testing.T) {
	tl := NewTimeline()
	tl.Initialize([]Message{msgAt("1", 1), msgAt("2", 2), msgAt("3", 3)})

	tests := []struct {
		name     string
		msg      Message
		inserted bool
		want     []string
	}{
		{"duplicate", msgAt("2", 2), false, []string{"1", "2", "3"}},
		{"append", msgAt("5", 5), true, []string{"1", "2", "3", "5"}},
		{"middle", msgAt("4", 4), true, []string{"1", "2", "3", "4", "5"}},
		{"front", msgAt("0", 0), true, []string{"0", "1", "2", "3", "4", "5"}},
		{"same time numeric tie", msgAt("10", 5), true, []string{"0", "1", "2", "3", "4", "5", "10"}},
		{"duplicate with different time", msgAt("3", 9), false, []string{"0", "1", "2", "3", "4", "5", "10"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.inserted, tl.InsertOrdered(tt.msg))
			assert.Equal(t, tt.want, ids(tl.Messages()))
		})
	}
}

func TestTimeline_InsertionOrderDoesNotMatter(t *testing.T) {
	msgs := []Message{msgAt("4", 4), msgAt("2", 2), msgAt("1", 1), msgAt("3", 3), msgAt("2", 2)}

	a := NewTimeline()
	for _, m := range msgs {
		a.InsertOrdered(m)
	}
	b := NewTimeline()
	b.Initialize(msgs)

	assert.Equal(t, ids(b.Messages()), ids(a.Messages()))
	assert.Equal(t, 4, a.Len())
}

func TestTimeline_MarkReadAndClear(t *testing.T) {
	tl := NewTimeline()
	tl.Initialize([]Message{msgAt("1", 1)})

	require.True(t, tl.MarkRead("1"))
	assert.False(t, tl.MarkRead("9"))
	assert.True(t, tl.Messages()[0].Read)

	tl.Clear()
	assert.Zero(t, tl.Len())
	assert.False(t, tl.Contains("1"))
	assert.True(t, tl.InsertOrdered(msgAt("1", 1)))
}

func TestTimeline_MessagesIsACopy(t *testing.T) {
	tl := NewTimeline()
	m := msgAt("1", 1)
	m.Attachments = []Attachment{{Name: "a.png"}}
	tl.Initialize([]Message{m})

	out := tl.Messages()
	out[0].Attachments[0].Name = "changed"
	out[0].Content = "changed"

	assert.Equal(t, "a.png", tl.Messages()[0].Attachments[0].Name)
	assert.Empty(t, tl.Messages()[0].Content)
}

func TestCompareIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"9", "10", -1},
		{"10", "9", 1},
		{"10", "10", 0},
		{"007", "7", -1},
		{"abc", "abd", -1},
		{"10", "9a", -1},
		{"1a", "2", 1},
		{"2", "1a", -1},
		{"1a", "10", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareIDs(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func permutations(ids []string) [][]string {
	if len(ids) <= 1 {
		return [][]string{append([]string(nil), ids...)}
	}
	var out [][]string
	for i := range ids {
		rest := make([]string, 0, len(ids)-1)
		rest = append(rest, ids[:i]...)
		rest = append(rest, ids[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{ids[i]}, p...))
		}
	}
	return out
}

func TestTimeline_MixedIDsOrderIndependentOfArrival(t *testing.T) {
	want := []string{"2", "10", "1a", "b"}

	for _, order := range permutations([]string{"1a", "10", "2", "b"}) {
		tl := NewTimeline()
		for _, id := range order {
			require.True(t, tl.InsertOrdered(msgAt(id, 1)))
		}
		assert.Equal(t, want, ids(tl.Messages()), "insert order %v", order)

		history := make([]Message, 0, len(order))
		for _, id := range order {
			history = append(history, msgAt(id, 1))
		}
		tl.Initialize(history)
		assert.Equal(t, want, ids(tl.Messages()), "history order %v", order)
	}
}
