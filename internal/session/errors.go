package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type ErrorKind string

const (
	KindNoSpeech           ErrorKind = "no_speech"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindIOFailure          ErrorKind = "io_failure"
)

var (
	ErrNothingToExport    = errors.New("no transcription to export")
	ErrSessionNotFound    = errors.New("session not found")
	ErrTooManySessions    = errors.New("session limit reached")
	ErrMicrophoneDisabled = errors.New("microphone capture is disabled")
	ErrInvalidDuration    = errors.New("duration must be positive")
	ErrNoBackends         = errors.New("no recognition backends configured")
)

// Error is a classified controller failure. It never leaves partial state behind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification of err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// classify maps collaborator errors onto the controller taxonomy.
func classify(err error) ErrorKind {
	var unavailable *stt.UnavailableError
	switch {
	case errors.Is(err, stt.ErrNoSpeech), errors.Is(err, audio.ErrListenTimeout):
		return KindNoSpeech
	case errors.As(err, &unavailable), errors.Is(err, context.DeadlineExceeded):
		return KindServiceUnavailable
	default:
		return KindIOFailure
	}
}

// reason renders the failure for the activity log without backend prefixes.
func reason(err error) string {
	var unavailable *stt.UnavailableError
	if errors.As(err, &unavailable) {
		if unavailable.Err != nil {
			return fmt.Sprintf("%s; %v", unavailable.Reason, unavailable.Err)
		}
		return unavailable.Reason
	}
	return err.Error()
}
