package msgsync

// Counters are session-wide statistics derived from the thread registry.
type Counters struct {
	ThreadCount int `json:"thread_count"`
	UnreadTotal int `json:"unread_total"`
	UrgentTotal int `json:"urgent_total"`
}

// Recompute derives Counters from a registry snapshot. Archived threads are
// not counted.
func Recompute(snapshot []ThreadSummary) Counters {
	var c Counters
	for _, t := range snapshot {
		if t.IsArchived {
			continue
		}
		c.ThreadCount++
		c.UnreadTotal += t.UnreadCount
		if t.IsUrgent {
			c.UrgentTotal++
		}
	}
	return c
}
