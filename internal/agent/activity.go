package agent

import (
	"sync"

	"github.com/rewired-gh/trendpilot/internal/models"
)

// DefaultActivityLogSize is how many recent activities the agent retains.
const DefaultActivityLogSize = 100

// activityLog is a bounded ring of the most recent activities.
type activityLog struct {
	mu   sync.Mutex
	buf  []models.Activity
	next int
	full bool
}

func newActivityLog(size int) *activityLog {
	if size <= 0 {
		size = DefaultActivityLogSize
	}
	return &activityLog{buf: make([]models.Activity, size)}
}

func (l *activityLog) add(a models.Activity) {
	l.mu.Lock()
	l.buf[l.next] = a.Clone()
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// list returns copies of the activities, oldest first.
func (l *activityLog) list() []models.Activity {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ordered []models.Activity
	if l.full {
		ordered = append(ordered, l.buf[l.next:]...)
	}
	ordered = append(ordered, l.buf[:l.next]...)
	out := make([]models.Activity, len(ordered))
	for i, a := range ordered {
		out[i] = a.Clone()
	}
	return out
}
