package msgsync

import (
	"slices"
	"strings"
)

// ThreadFilter selects threads from a registry snapshot.
type ThreadFilter struct {
	Archived bool
	// Query matches case-insensitively against topic, last message excerpt
	// and the patient's display name.
	Query string
}

// Registry holds the known thread summaries. Every mutation recomputes the
// session Counters before returning, so counters are never stale relative to
// the summaries. Registry is not safe for concurrent use.
type Registry struct {
	threads  map[string]*ThreadSummary
	counters Counters
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{threads: make(map[string]*ThreadSummary)}
}

// LoadAll replaces the registry contents wholesale.
func (r *Registry) LoadAll(summaries []ThreadSummary) {
	r.threads = make(map[string]*ThreadSummary, len(summaries))
	for _, s := range summaries {
		s.UnreadCount = max(s.UnreadCount, 0)
		r.threads[s.ID] = &s
	}
	r.recompute()
}

// Patch merges p into the summary for threadID. Unknown threads are ignored
// and Patch reports false.
func (r *Registry) Patch(threadID string, p ThreadPatch) bool {
	t, ok := r.threads[threadID]
	if !ok {
		return false
	}
	p.apply(t)
	r.recompute()
	return true
}

// IncrementUnread adds one to the unread count of threadID.
func (r *Registry) IncrementUnread(threadID string) bool {
	t, ok := r.threads[threadID]
	if !ok {
		return false
	}
	t.UnreadCount++
	r.recompute()
	return true
}

// MarkRead resets the unread count of threadID to zero.
func (r *Registry) MarkRead(threadID string) bool {
	t, ok := r.threads[threadID]
	if !ok {
		return false
	}
	t.UnreadCount = 0
	r.recompute()
	return true
}

// Archive moves threadID to the archived set.
func (r *Registry) Archive(threadID string) bool {
	t, ok := r.threads[threadID]
	if !ok {
		return false
	}
	t.IsArchived = true
	r.recompute()
	return true
}

// Get returns a copy of the summary for threadID.
func (r *Registry) Get(threadID string) (ThreadSummary, bool) {
	t, ok := r.threads[threadID]
	if !ok {
		return ThreadSummary{}, false
	}
	return *t, true
}

// Counters returns the counters computed after the last mutation.
func (r *Registry) Counters() Counters { return r.counters }

// Len returns the number of known threads, active and archived.
func (r *Registry) Len() int { return len(r.threads) }

// Snapshot returns every summary, most recent activity first.
func (r *Registry) Snapshot() []ThreadSummary {
	out := make([]ThreadSummary, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, *t)
	}
	slices.SortFunc(out, compareSummaries)
	return out
}

// Filter returns the summaries matching f, most recent activity first.
// patientName resolves a patient id for query matching and may be nil.
func (r *Registry) Filter(f ThreadFilter, patientName func(patientID string) string) []ThreadSummary {
	query := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]ThreadSummary, 0, len(r.threads))
	for _, t := range r.threads {
		if t.IsArchived != f.Archived {
			continue
		}
		if query != "" && !matchesQuery(t, query, patientName) {
			continue
		}
		out = append(out, *t)
	}
	slices.SortFunc(out, compareSummaries)
	return out
}

func (r *Registry) recompute() {
	snapshot := make([]ThreadSummary, 0, len(r.threads))
	for _, t := range r.threads {
		snapshot = append(snapshot, *t)
	}
	r.counters = Recompute(snapshot)
}

func matchesQuery(t *ThreadSummary, query string, patientName func(string) string) bool {
	if strings.Contains(strings.ToLower(t.Topic), query) ||
		strings.Contains(strings.ToLower(t.LastMessageExcerpt), query) {
		return true
	}
	if patientName != nil {
		return strings.Contains(strings.ToLower(patientName(t.PatientID)), query)
	}
	return false
}

func compareSummaries(a, b ThreadSummary) int {
	if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
