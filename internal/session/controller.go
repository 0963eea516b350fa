// Package session owns the per-user transcription state: the activity log,
// the ledger of committed transcriptions, running statistics and the
// current transcription slot.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxAlternatives is how many runner-up hypotheses a file transcription returns.
	MaxAlternatives = 3
	excerptLength   = 50
)

const (
	opMicrophone = "transcribe_microphone"
	opFile       = "transcribe_file"
	opCompare    = "compare_methods"
)

// Notifier receives state-change events. Implementations must not block.
type Notifier interface {
	Publish(event protocol.SessionEvent)
}

// Notifiers fans one event out to several notifiers.
type Notifiers []Notifier

func (n Notifiers) Publish(event protocol.SessionEvent) {
	for _, target := range n {
		if target != nil {
			target.Publish(event)
		}
	}
}

// Journal persists session activity.
type Journal interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Dependencies are the collaborators a controller drives. Microphone, Notifier
// and Journal are optional.
type Dependencies struct {
	Microphone audio.Microphone
	Decoder    audio.Decoder
	Primary    stt.Recognizer
	Secondary  []stt.Recognizer
	Notifier   Notifier
	Journal    Journal
	Logger     *slog.Logger
}

type Options struct {
	DefaultLanguage string
	Calibration     time.Duration
	Now             func() time.Time
	// Timer starts a stopwatch; the returned func reports elapsed time.
	Timer func() func() time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultLanguage == "" {
		o.DefaultLanguage = "en-US"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Timer == nil {
		o.Timer = func() func() time.Duration {
			start := time.Now()
			return func() time.Duration { return time.Since(start) }
		}
	}
	return o
}

// Outcome is the result of a file transcription.
type Outcome struct {
	Text            string
	Confidence      *float64
	RecognitionTime time.Duration
	Alternatives    []stt.Alternative
}

// MethodResult is one backend's answer in a comparison. Failure is empty on success.
type MethodResult struct {
	Text    string
	Elapsed time.Duration
	Failure string
}

func (m MethodResult) OK() bool { return m.Failure == "" }

// Snapshot is a read-only copy of the session state for rendering.
type Snapshot struct {
	ID           string
	Current      string
	History      []Record
	TotalRecords int
	Statistics   Statistics
	Log          []LogEntry
}

// Controller serializes commands for one session and owns its state.
type Controller struct {
	id   string
	deps Dependencies
	opts Options
	log  *slog.Logger

	busy chan struct{}

	mu         sync.Mutex
	ledger     Ledger
	stats      Statistics
	activity   *ActivityLog
	current    string
	lastActive time.Time
}

func NewController(id string, deps Dependencies, opts Options) *Controller {
	opts = opts.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		id:       id,
		deps:     deps,
		opts:     opts,
		log:      logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		busy:     make(chan struct{}, 1),
		activity: NewActivityLog(LogCapacity, opts.Now),
	}
	c.lastActive = opts.Now()
	return c
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) acquire(ctx context.Context) error {
	select {
	case c.busy <- struct{}{}:
		c.touch()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) release() { <-c.busy }

// Busy reports whether a command is in flight.
func (c *Controller) Busy() bool { return len(c.busy) > 0 }

func (c *Controller) touch() {
	c.mu.Lock()
	c.lastActive = c.opts.Now()
	c.mu.Unlock()
}

// LastActive returns when the session last received a command.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Controller) language(tag string) string {
	if strings.TrimSpace(tag) == "" {
		return c.opts.DefaultLanguage
	}
	return tag
}

// TranscribeFromMicrophone listens for up to durationSeconds and commits the recognized text.
func (c *Controller) TranscribeFromMicrophone(ctx context.Context, durationSeconds int, language string) (string, error) {
	if durationSeconds <= 0 {
		return "", ErrInvalidDuration
	}
	language = c.language(language)
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()

	ctx, span := tracer().Start(ctx, "session.transcribe_microphone", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.String("language", language),
		attribute.Int("duration_seconds", durationSeconds),
	))
	defer span.End()

	mic := c.deps.Microphone
	if mic == nil {
		return "", c.fail(ctx, opMicrophone, KindIOFailure, ErrMicrophoneDisabled, "Microphone error: "+ErrMicrophoneDisabled.Error())
	}
	src, err := mic.Open(ctx)
	if err != nil {
		return "", c.fail(ctx, opMicrophone, KindIOFailure, err, fmt.Sprintf("Microphone error: %v", err))
	}
	defer src.Close()

	c.appendLog(SeverityInfo, "Adjusting for ambient noise...")
	if err := mic.Calibrate(ctx, src, c.opts.Calibration); err != nil {
		return "", c.fail(ctx, opMicrophone, KindIOFailure, err, fmt.Sprintf("Microphone error: %v", err))
	}

	c.appendLog(SeverityInfo, fmt.Sprintf("Listening for %d seconds...", durationSeconds))
	window := time.Duration(durationSeconds) * time.Second
	sample, err := mic.Listen(ctx, src, window, window)
	if err != nil {
		if errors.Is(err, audio.ErrListenTimeout) {
			return "", c.fail(ctx, opMicrophone, KindNoSpeech, err, "Could not understand audio")
		}
		return "", c.fail(ctx, opMicrophone, KindIOFailure, err, fmt.Sprintf("Microphone error: %v", err))
	}

	c.appendLog(SeverityInfo, "Processing speech...")
	stop := c.opts.Timer()
	result, err := c.deps.Primary.Recognize(ctx, sample, stt.Request{Language: language})
	elapsed := stop()
	if err == nil {
		if _, ok := result.Best(); !ok {
			err = stt.ErrNoSpeech
		}
	}
	if err != nil {
		kind := classify(err)
		switch kind {
		case KindNoSpeech:
			return "", c.fail(ctx, opMicrophone, kind, err, "Could not understand audio")
		case KindServiceUnavailable:
			return "", c.fail(ctx, opMicrophone, kind, err, "API Error: "+reason(err))
		default:
			return "", c.fail(ctx, opMicrophone, kind, err, fmt.Sprintf("Microphone error: %v", err))
		}
	}

	best, _ := result.Best()
	c.commit(ctx, opMicrophone, Record{
		Timestamp:       c.opts.Now(),
		Text:            best.Text,
		RecognitionTime: elapsed,
		Source:          SourceMicrophone,
		Language:        language,
	}, "Transcribed: "+best.Text)
	return best.Text, nil
}

// TranscribeFromFile decodes an uploaded file and commits the best hypothesis.
// Up to MaxAlternatives runner-ups are returned but not recorded.
func (c *Controller) TranscribeFromFile(ctx context.Context, data []byte, fileName, language string) (Outcome, error) {
	language = c.language(language)
	if err := c.acquire(ctx); err != nil {
		return Outcome{}, err
	}
	defer c.release()

	ctx, span := tracer().Start(ctx, "session.transcribe_file", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.String("language", language),
		attribute.String("file.name", fileName),
		attribute.Int("file.size", len(data)),
	))
	defer span.End()

	sample, err := c.deps.Decoder.Decode(ctx, data, fileName)
	if err != nil {
		return Outcome{}, c.fail(ctx, opFile, KindIOFailure, err, fmt.Sprintf("Error processing file: %v", err))
	}

	c.appendLog(SeverityInfo, "Processing audio file: "+fileName)
	stop := c.opts.Timer()
	result, err := c.deps.Primary.Recognize(ctx, sample, stt.Request{Language: language, Alternatives: true})
	elapsed := stop()
	if err == nil {
		if _, ok := result.Best(); !ok {
			err = stt.ErrNoSpeech
		}
	}
	if err != nil {
		kind := classify(err)
		switch kind {
		case KindNoSpeech:
			return Outcome{}, c.fail(ctx, opFile, kind, err, "Could not understand audio in file")
		case KindServiceUnavailable:
			return Outcome{}, c.fail(ctx, opFile, kind, err, "API Error: "+reason(err))
		default:
			return Outcome{}, c.fail(ctx, opFile, kind, err, fmt.Sprintf("Error processing file: %v", err))
		}
	}

	best, _ := result.Best()
	runnersUp := result.Alternatives[1:]
	if len(runnersUp) > MaxAlternatives {
		runnersUp = runnersUp[:MaxAlternatives]
	}
	c.commit(ctx, opFile, Record{
		Timestamp:       c.opts.Now(),
		Text:            best.Text,
		Confidence:      best.Confidence,
		RecognitionTime: elapsed,
		Source:          fileName,
		Language:        language,
	}, fmt.Sprintf("Successfully transcribed: %s...", excerpt(best.Text)))

	return Outcome{
		Text:            best.Text,
		Confidence:      best.Confidence,
		RecognitionTime: elapsed,
		Alternatives:    append([]stt.Alternative(nil), runnersUp...),
	}, nil
}

// CompareMethods runs every configured backend against the same audio. Backend
// failures are reported per method; only a decode failure fails the call.
func (c *Controller) CompareMethods(ctx context.Context, data []byte, fileName string) (map[string]MethodResult, error) {
	backends := c.backends()
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	ctx, span := tracer().Start(ctx, "session.compare_methods", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.Int("backends", len(backends)),
	))
	defer span.End()

	sample, err := c.deps.Decoder.Decode(ctx, data, fileName)
	if err != nil {
		return nil, c.fail(ctx, opCompare, KindIOFailure, err, fmt.Sprintf("Comparison error: %v", err))
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]MethodResult, len(backends))
	)
	for _, backend := range backends {
		wg.Add(1)
		go func(backend stt.Recognizer) {
			defer wg.Done()
			res := c.runMethod(ctx, backend, sample)
			mu.Lock()
			results[backend.Name()] = res
			mu.Unlock()
		}(backend)
	}
	wg.Wait()
	return results, nil
}

func (c *Controller) backends() []stt.Recognizer {
	var out []stt.Recognizer
	if c.deps.Primary != nil {
		out = append(out, c.deps.Primary)
	}
	for _, r := range c.deps.Secondary {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (c *Controller) runMethod(ctx context.Context, backend stt.Recognizer, sample audio.Sample) (res MethodResult) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("recognizer panicked", slog.String("backend", backend.Name()), slog.Any("panic", p))
			res = MethodResult{Failure: fmt.Sprintf("panic: %v", p)}
		}
	}()

	stop := c.opts.Timer()
	result, err := backend.Recognize(ctx, sample, stt.Request{Language: c.opts.DefaultLanguage})
	elapsed := stop()
	if err != nil {
		return MethodResult{Failure: err.Error()}
	}
	best, ok := result.Best()
	if !ok {
		return MethodResult{Failure: stt.ErrNoSpeech.Error()}
	}
	return MethodResult{Text: best.Text, Elapsed: elapsed}
}

// RejectFile records an upload that could not be read for transcription.
func (c *Controller) RejectFile(ctx context.Context, err error) error {
	c.touch()
	return c.fail(ctx, opFile, KindIOFailure, err, fmt.Sprintf("Error processing file: %v", err))
}

// RejectComparison records an upload that could not be read for a comparison.
func (c *Controller) RejectComparison(ctx context.Context, err error) error {
	c.touch()
	return c.fail(ctx, opCompare, KindIOFailure, err, fmt.Sprintf("Comparison error: %v", err))
}

// ClearAll resets the ledger, statistics, current transcription and log in one step.
// It waits for an in-flight command to finish first.
func (c *Controller) ClearAll(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	c.ledger.reset()
	c.stats.Reset()
	c.current = ""
	c.activity.Reset()
	entry := c.activity.Append("All data cleared", SeverityInfo)
	c.lastActive = c.opts.Now()
	c.mu.Unlock()

	c.notify(protocol.SessionEvent{Type: protocol.EventSessionCleared})
	c.notifyLog(entry)
	c.journal(ctx, eventstore.TypeSessionCleared, nil)
	return nil
}

// ClearCurrentTranscription empties the current slot only.
func (c *Controller) ClearCurrentTranscription() {
	c.mu.Lock()
	c.current = ""
	c.lastActive = c.opts.Now()
	c.mu.Unlock()
	c.notify(protocol.SessionEvent{Type: protocol.EventCurrentCleared})
}

// Snapshot copies the state; history holds at most historyLimit records, newest first.
func (c *Controller) Snapshot(historyLimit int) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:           c.id,
		Current:      c.current,
		History:      c.ledger.MostRecent(historyLimit),
		TotalRecords: c.ledger.Len(),
		Statistics:   c.stats,
		Log:          c.activity.All(),
	}
}

// Records returns the full ledger in chronological order.
func (c *Controller) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.All()
}

// ExportFileName names an exported transcription for the given instant.
func ExportFileName(t time.Time) string {
	return "transcription_" + t.Format("20060102_150405") + ".txt"
}

// ExportCurrent returns the file name and exact text of the current transcription.
func (c *Controller) ExportCurrent() (string, []byte, error) {
	c.mu.Lock()
	text := c.current
	c.mu.Unlock()
	if text == "" {
		return "", nil, ErrNothingToExport
	}
	return ExportFileName(c.opts.Now()), []byte(text), nil
}

func (c *Controller) commit(ctx context.Context, op string, rec Record, message string) {
	c.mu.Lock()
	c.ledger.Append(rec)
	c.stats.Update(rec)
	c.current = rec.Text
	entry := c.activity.Append(message, SeveritySuccess)
	c.mu.Unlock()

	c.notify(protocol.SessionEvent{
		Type:   protocol.EventTranscriptCommitted,
		Text:   rec.Text,
		Source: rec.Source,
	})
	c.notifyLog(entry)

	payload, err := json.Marshal(rec)
	if err == nil {
		c.journal(ctx, eventstore.TypeTranscriptionCommitted, payload)
	}

	m := instruments()
	attrs := metric.WithAttributes(attribute.String("operation", op), attribute.String("language", rec.Language))
	m.committed.Add(ctx, 1, attrs)
	m.words.Add(ctx, int64(WordCount(rec.Text)), attrs)
	m.latency.Record(ctx, rec.RecognitionTime.Seconds(), attrs)

	c.log.Info("transcription committed",
		slog.String("operation", op),
		slog.String("source", rec.Source),
		slog.Duration("recognition_time", rec.RecognitionTime))
}

type failurePayload struct {
	Operation string    `json:"operation"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
}

// fail records exactly one error log entry and returns the classified error.
func (c *Controller) fail(ctx context.Context, op string, kind ErrorKind, err error, message string) error {
	c.appendLog(SeverityError, message)

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))

	instruments().failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("kind", string(kind)),
	))

	if payload, mErr := json.Marshal(failurePayload{Operation: op, Kind: kind, Message: message}); mErr == nil {
		c.journal(ctx, eventstore.TypeTranscriptionFailed, payload)
	}

	c.log.Warn("transcription failed",
		slog.String("operation", op),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()))
	return &Error{Kind: kind, Op: op, Err: err}
}

func (c *Controller) appendLog(severity Severity, message string) {
	c.mu.Lock()
	entry := c.activity.Append(message, severity)
	c.mu.Unlock()
	c.notifyLog(entry)
}

func (c *Controller) notifyLog(entry LogEntry) {
	c.notify(protocol.SessionEvent{
		Type:     protocol.EventLogAppended,
		Message:  entry.Message,
		Severity: string(entry.Severity),
	})
}

func (c *Controller) notify(event protocol.SessionEvent) {
	if c.deps.Notifier == nil {
		return
	}
	event.SessionID = c.id
	if event.Timestamp.IsZero() {
		event.Timestamp = c.opts.Now().UTC()
	}
	c.deps.Notifier.Publish(event)
}

func (c *Controller) journal(ctx context.Context, eventType string, payload []byte) {
	if c.deps.Journal == nil {
		return
	}
	evt := eventstore.Event{SessionID: c.id, Type: eventType, Payload: payload}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	if err := c.deps.Journal.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		c.log.Warn("failed to journal session event",
			slog.String("type", eventType),
			slog.String("error", err.Error()))
	}
}

func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= excerptLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:excerptLength])
}
