package logsink

import "media-orchestrator/internal/models"

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring struct {
	buf   []models.LogEntry
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]models.LogEntry, capacity)}
}

func (r *ring) push(entry models.LogEntry) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = entry
		r.size++
		return
	}
	r.buf[r.start] = entry
	r.start = (r.start + 1) % len(r.buf)
}

// entries returns a chronological copy.
func (r *ring) entries() []models.LogEntry {
	out := make([]models.LogEntry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
