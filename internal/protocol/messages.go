package protocol

import (
	"fmt"
	"time"
)

// SessionEvent describes a state change inside one transcription session.
// It is broadcast on the bus and streamed to connected browsers.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Text      string    `json:"text,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventLogAppended         = "log.appended"
	EventTranscriptCommitted = "transcript.committed"
	EventCurrentCleared      = "current.cleared"
	EventSessionCleared      = "session.cleared"
	EventSessionStarted      = "session.started"
	EventSessionEnded        = "session.ended"
)

const (
	SubjectSessionPrefix = "scribe.session"
	SubjectSessionAll    = SubjectSessionPrefix + ".>"
	StreamSessionEvents  = "SCRIBE_SESSIONS"
)

// SessionSubject returns the bus subject for an event type within a session.
func SessionSubject(sessionID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectSessionPrefix, sessionID, eventType)
}

const (
	// SubjectRecognize carries request/reply recognition calls.
	SubjectRecognize = "scribe.recognize"
	// QueueRecognizers load-balances requests across serving processes.
	QueueRecognizers = "scribe-recognizers"
)

const (
	RecognizeErrorNoSpeech    = "no_speech"
	RecognizeErrorUnavailable = "unavailable"
	RecognizeErrorInvalid     = "invalid"
)

// RecognizeRequest asks a remote process to transcribe raw 16-bit PCM.
// An empty Backend selects the serving process's primary recognizer.
type RecognizeRequest struct {
	Backend      string `json:"backend,omitempty"`
	Language     string `json:"language"`
	Alternatives bool   `json:"alternatives,omitempty"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
	PCM          []byte `json:"pcm"`
}

type RecognizeAlternative struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// RecognizeReply is the answer to a RecognizeRequest. ErrorKind is empty on success.
type RecognizeReply struct {
	Backend      string                 `json:"backend"`
	Alternatives []RecognizeAlternative `json:"alternatives,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
}
