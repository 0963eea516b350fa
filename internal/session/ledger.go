package session

import "time"

// SourceMicrophone tags records captured from the microphone. File uploads use the file name.
const SourceMicrophone = "microphone"

// Record is one committed transcription. Records are never mutated after Append.
type Record struct {
	Timestamp       time.Time     `json:"timestamp"`
	Text            string        `json:"text"`
	Confidence      *float64      `json:"confidence,omitempty"`
	RecognitionTime time.Duration `json:"recognition_time"`
	Source          string        `json:"source"`
	Language        string        `json:"language"`
}

// Ledger is the unbounded, append-only transcription history.
type Ledger struct {
	records []Record
}

func (l *Ledger) Append(r Record) {
	l.records = append(l.records, r)
}

// MostRecent returns up to n records, newest first.
func (l *Ledger) MostRecent(n int) []Record {
	if n <= 0 || len(l.records) == 0 {
		return nil
	}
	if n > len(l.records) {
		n = len(l.records)
	}
	out := make([]Record, 0, n)
	for i := len(l.records) - 1; i >= len(l.records)-n; i-- {
		out = append(out, l.records[i])
	}
	return out
}

// All returns every record in chronological order.
func (l *Ledger) All() []Record {
	return append([]Record(nil), l.records...)
}

func (l *Ledger) Len() int { return len(l.records) }

func (l *Ledger) reset() { l.records = nil }
