package msgsync

import (
	"time"

	"github.com/google/uuid"
)

// pendingOverlay tracks in-flight sends by client-local correlation id. It is
// rendered next to the Timeline and never merged into it.
type pendingOverlay struct {
	items []PendingSend
}

func (p *pendingOverlay) add(threadID, content string, files int) PendingSend {
	ps := PendingSend{
		CorrelationID: uuid.NewString(),
		ThreadID:      threadID,
		Content:       content,
		FileCount:     files,
		StartedAt:     time.Now().UTC(),
	}
	p.items = append(p.items, ps)
	return ps
}

func (p *pendingOverlay) remove(correlationID string) bool {
	for i, ps := range p.items {
		if ps.CorrelationID == correlationID {
			p.items = append(p.items[:i], p.items[i+1:]...)
			return true
		}
	}
	return false
}

func (p *pendingOverlay) forThread(threadID string) []PendingSend {
	var out []PendingSend
	for _, ps := range p.items {
		if ps.ThreadID == threadID {
			out = append(out, ps)
		}
	}
	return out
}
