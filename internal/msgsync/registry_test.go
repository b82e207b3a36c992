package msgsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRegistry() *Registry {
	r := NewRegistry()
	r.LoadAll([]ThreadSummary{
		{ID: "1", PatientID: "p1", Topic: "Refill", UnreadCount: 2, IsUrgent: true, LastMessageAt: at(1)},
		{ID: "2", PatientID: "p2", Topic: "Lab results", UnreadCount: 1, LastMessageAt: at(5), LastMessageExcerpt: "Your potassium is fine"},
		{ID: "3", PatientID: "p3", Topic: "Old", UnreadCount: 4, IsUrgent: true, IsArchived: true, LastMessageAt: at(0)},
	})
	return r
}

func TestRegistry_CountersExcludeArchived(t *testing.T) {
	r := sampleRegistry()
	assert.Equal(t, Counters{ThreadCount: 2, UnreadTotal: 3, UrgentTotal: 1}, r.Counters())
}

func TestRegistry_MutationsRecompute(t *testing.T) {
	r := sampleRegistry()

	require.True(t, r.IncrementUnread("2"))
	assert.Equal(t, 4, r.Counters().UnreadTotal)

	require.True(t, r.MarkRead("1"))
	assert.Equal(t, 2, r.Counters().UnreadTotal)

	urgent := true
	require.True(t, r.Patch("2", ThreadPatch{IsUrgent: &urgent}))
	assert.Equal(t, 2, r.Counters().UrgentTotal)

	require.True(t, r.Archive("2"))
	assert.Equal(t, Counters{ThreadCount: 1, UnreadTotal: 0, UrgentTotal: 1}, r.Counters())

	assert.Equal(t, Recompute(r.Snapshot()), r.Counters())
}

func TestRegistry_UnknownThread(t *testing.T) {
	r := sampleRegistry()
	before := r.Counters()

	assert.False(t, r.Patch("9", ThreadPatch{}))
	assert.False(t, r.IncrementUnread("9"))
	assert.False(t, r.MarkRead("9"))
	assert.False(t, r.Archive("9"))
	assert.Equal(t, before, r.Counters())
	assert.Equal(t, 3, r.Len())
}

func TestRegistry_PatchFloorsUnread(t *testing.T) {
	r := sampleRegistry()
	n := -3
	r.Patch("1", ThreadPatch{UnreadCount: &n})

	th, _ := r.Get("1")
	assert.Zero(t, th.UnreadCount)
}

func TestRegistry_LoadAllReplaces(t *testing.T) {
	r := sampleRegistry()
	r.LoadAll([]ThreadSummary{{ID: "9", UnreadCount: 1}})

	assert.Equal(t, 1, r.Len())
	_, ok := r.Get("1")
	assert.False(t, ok)
	assert.Equal(t, Counters{ThreadCount: 1, UnreadTotal: 1}, r.Counters())
}

func TestRegistry_Filter(t *testing.T) {
	r := sampleRegistry()
	names := map[string]string{"p1": "Ada Lovelace", "p2": "Grace Hopper"}
	lookup := func(id string) string { return names[id] }

	active := r.Filter(ThreadFilter{}, lookup)
	require.Len(t, active, 2)
	assert.Equal(t, "2", active[0].ID, "newest first")

	archived := r.Filter(ThreadFilter{Archived: true}, lookup)
	require.Len(t, archived, 1)
	assert.Equal(t, "3", archived[0].ID)

	assert.Len(t, r.Filter(ThreadFilter{Query: "REFILL"}, lookup), 1)
	assert.Len(t, r.Filter(ThreadFilter{Query: "potassium"}, lookup), 1)
	assert.Len(t, r.Filter(ThreadFilter{Query: "hopper"}, lookup), 1)
	assert.Empty(t, r.Filter(ThreadFilter{Query: "hopper"}, nil))
	assert.Empty(t, r.Filter(ThreadFilter{Query: "nobody"}, lookup))
}
