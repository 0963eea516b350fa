package session

import "time"

// LogCapacity bounds the activity log.
const LogCapacity = 20

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// LogEntry is one operational event shown in the activity feed.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
}

// ActivityLog is a bounded FIFO; appending past capacity evicts from the head.
// It is not safe for concurrent use.
type ActivityLog struct {
	entries  []LogEntry
	capacity int
	now      func() time.Time
}

func NewActivityLog(capacity int, now func() time.Time) *ActivityLog {
	if capacity <= 0 {
		capacity = LogCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &ActivityLog{capacity: capacity, now: now}
}

func (l *ActivityLog) Append(message string, severity Severity) LogEntry {
	entry := LogEntry{
		Timestamp: l.now().Format("15:04:05"),
		Message:   message,
		Severity:  severity,
	}
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	return entry
}

// All returns entries in insertion order.
func (l *ActivityLog) All() []LogEntry {
	return append([]LogEntry(nil), l.entries...)
}

func (l *ActivityLog) Len() int { return len(l.entries) }

func (l *ActivityLog) Reset() { l.entries = nil }
