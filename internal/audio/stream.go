package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

const (
	defaultEnergyThreshold = 300.0
	dynamicEnergyRatio     = 1.5
	dynamicEnergyDamping   = 0.15
	pauseThreshold         = 800 * time.Millisecond
	defaultFrameDuration   = 30 * time.Millisecond
)

var (
	// ErrListenTimeout is returned when no phrase starts before the listen timeout.
	ErrListenTimeout = errors.New("listening timed out while waiting for phrase to start")
	// ErrStreamEnded is returned when the capture stream closes before any speech was heard.
	ErrStreamEnded = errors.New("audio stream ended before speech started")
)

// Stream is an open PCM capture source. Calibration state lives on the stream.
type Stream struct {
	r      io.Reader
	format Format
	frame  time.Duration
	stop   func() error

	// diagnose describes why the source ended, when it can tell.
	diagnose func() string

	mu        sync.Mutex
	threshold float64
	closed    bool
}

// NewStream wraps a raw s16le reader. stop is invoked once on Close and may be nil.
func NewStream(r io.Reader, format Format, frame time.Duration, stop func() error) *Stream {
	if frame <= 0 {
		frame = defaultFrameDuration
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Stream{r: r, format: format, frame: frame, stop: stop, threshold: defaultEnergyThreshold}
}

// Format returns the PCM layout of the stream.
func (s *Stream) Format() Format { return s.format }

// Threshold returns the current speech energy threshold.
func (s *Stream) Threshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// Close stops the capture source.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.stop != nil {
		return s.stop()
	}
	return nil
}

func (s *Stream) explain(err error) error {
	if s.diagnose == nil {
		return err
	}
	if reason := s.diagnose(); reason != "" {
		return fmt.Errorf("%w: %s", err, reason)
	}
	return err
}

// Calibrate listens to ambient noise for d and adapts the energy threshold to it.
func (s *Stream) Calibrate(ctx context.Context, d time.Duration) error {
	frameBytes := s.format.bytesFor(s.frame)
	buf := make([]byte, frameBytes)
	frameSeconds := s.format.durationOf(frameBytes).Seconds()
	damping := math.Pow(dynamicEnergyDamping, frameSeconds)

	threshold := s.Threshold()
	var elapsed time.Duration
	for elapsed < d {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(s.r, buf); err != nil {
			return s.explain(fmt.Errorf("read calibration audio: %w", err))
		}
		elapsed += s.frame
		target := rms(buf) * dynamicEnergyRatio
		threshold = threshold*damping + target*(1-damping)
	}

	s.mu.Lock()
	s.threshold = threshold
	s.mu.Unlock()
	return nil
}

// Listen waits up to timeout for a frame louder than the threshold, then records
// until a pause or until phraseLimit of audio has been captured. Zero disables a limit.
func (s *Stream) Listen(ctx context.Context, timeout, phraseLimit time.Duration) (Sample, error) {
	frameBytes := s.format.bytesFor(s.frame)
	frameDur := s.format.durationOf(frameBytes)
	threshold := s.Threshold()

	var (
		captured []byte
		waited   time.Duration
		phrase   time.Duration
		silence  time.Duration
		started  bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return Sample{}, err
		}
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(s.r, buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if started {
					captured = append(captured, buf[:n]...)
					break
				}
				return Sample{}, s.explain(ErrStreamEnded)
			}
			return Sample{}, s.explain(fmt.Errorf("read audio: %w", err))
		}

		loud := rms(buf) > threshold
		if !started {
			if !loud {
				waited += frameDur
				if timeout > 0 && waited >= timeout {
					return Sample{}, ErrListenTimeout
				}
				continue
			}
			started = true
		}

		captured = append(captured, buf...)
		phrase += frameDur
		if loud {
			silence = 0
		} else {
			silence += frameDur
			if silence >= pauseThreshold {
				break
			}
		}
		if phraseLimit > 0 && phrase >= phraseLimit {
			break
		}
	}

	return Sample{PCM: captured, SampleRate: s.format.SampleRate, Channels: s.format.Channels}, nil
}
