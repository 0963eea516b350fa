package session

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/internal/session"

type sessionInstruments struct {
	committed metric.Int64Counter
	failed    metric.Int64Counter
	words     metric.Int64Counter
	latency   metric.Float64Histogram
	active    metric.Int64UpDownCounter
}

var (
	instrumentsOnce sync.Once
	instrumentSet   sessionInstruments
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// instruments are created against the global meter provider, which forwards
// to the real provider once the runtime installs it.
func instruments() sessionInstruments {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		fallback := noop.NewMeterProvider().Meter(instrumentationName)

		var err error
		if instrumentSet.committed, err = meter.Int64Counter("scribe.transcriptions.committed",
			metric.WithDescription("Transcriptions committed to a session ledger")); err != nil {
			instrumentSet.committed, _ = fallback.Int64Counter("scribe.transcriptions.committed")
		}
		if instrumentSet.failed, err = meter.Int64Counter("scribe.transcriptions.failed",
			metric.WithDescription("Transcription attempts that failed")); err != nil {
			instrumentSet.failed, _ = fallback.Int64Counter("scribe.transcriptions.failed")
		}
		if instrumentSet.words, err = meter.Int64Counter("scribe.transcriptions.words",
			metric.WithDescription("Words transcribed")); err != nil {
			instrumentSet.words, _ = fallback.Int64Counter("scribe.transcriptions.words")
		}
		if instrumentSet.latency, err = meter.Float64Histogram("scribe.recognition.duration",
			metric.WithDescription("Recognition service latency"),
			metric.WithUnit("s")); err != nil {
			instrumentSet.latency, _ = fallback.Float64Histogram("scribe.recognition.duration")
		}
		if instrumentSet.active, err = meter.Int64UpDownCounter("scribe.sessions.active",
			metric.WithDescription("Live transcription sessions")); err != nil {
			instrumentSet.active, _ = fallback.Int64UpDownCounter("scribe.sessions.active")
		}
	})
	return instrumentSet
}
