package stt

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusRecognizer forwards recognition to a Service reachable over NATS.
type BusRecognizer struct {
	name    string
	backend string
	conn    *nats.Conn
	timeout time.Duration
}

// NewBusRecognizer targets backend on the serving side; an empty backend
// selects the server's primary recognizer.
func NewBusRecognizer(name, backend string, conn *nats.Conn, timeout time.Duration) *BusRecognizer {
	if timeout <= 0 {
		timeout = defaultServiceTimeout
	}
	return &BusRecognizer{name: name, backend: backend, conn: conn, timeout: timeout}
}

func (b *BusRecognizer) Name() string { return b.name }

func (b *BusRecognizer) Recognize(ctx context.Context, sample audio.Sample, req Request) (Result, error) {
	if sample.Empty() {
		return Result{}, ErrNoSpeech
	}
	payload, err := json.Marshal(protocol.RecognizeRequest{
		Backend:      b.backend,
		Language:     req.Language,
		Alternatives: req.Alternatives,
		SampleRate:   sample.SampleRate,
		Channels:     sample.Channels,
		PCM:          sample.PCM,
	})
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	msg, err := b.conn.RequestWithContext(ctx, protocol.SubjectRecognize, payload)
	if err != nil {
		reason := "request failed"
		if errors.Is(err, nats.ErrNoResponders) {
			reason = "no recognition service is listening"
		}
		return Result{}, &UnavailableError{Backend: b.name, Reason: reason, Err: err}
	}

	var reply protocol.RecognizeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Result{}, &UnavailableError{Backend: b.name, Reason: "malformed reply", Err: err}
	}
	switch reply.ErrorKind {
	case "":
	case protocol.RecognizeErrorNoSpeech:
		return Result{}, ErrNoSpeech
	default:
		return Result{}, &UnavailableError{Backend: b.name, Reason: reply.Error}
	}

	result := Result{}
	for _, alt := range reply.Alternatives {
		result.Alternatives = append(result.Alternatives, Alternative{Text: alt.Text, Confidence: alt.Confidence})
	}
	if _, ok := result.Best(); !ok {
		return Result{}, ErrNoSpeech
	}
	return result, nil
}
