package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// ErrNoSpeech is returned when the audio contained nothing the backend could transcribe.
var ErrNoSpeech = errors.New("no speech recognized")

// UnavailableError reports a backend that could not be reached or refused the request.
type UnavailableError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s unavailable: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s unavailable: %s", e.Backend, e.Reason)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Request carries per-call recognition options.
type Request struct {
	Language     string
	Alternatives bool
}

// Alternative is one ranked hypothesis. Confidence is nil when the backend does not report one.
type Alternative struct {
	Text       string
	Confidence *float64
}

// Result captures recognizer output, best hypothesis first.
type Result struct {
	Alternatives []Alternative
}

// Best returns the top-ranked hypothesis.
func (r Result) Best() (Alternative, bool) {
	if len(r.Alternatives) == 0 {
		return Alternative{}, false
	}
	return r.Alternatives[0], true
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, sample audio.Sample, req Request) (Result, error)
}

func confidence(v float64) *float64 {
	return &v
}
