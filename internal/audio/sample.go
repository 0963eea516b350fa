// Package audio captures and decodes speech audio into 16-bit PCM samples.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Sample is signed 16-bit little-endian PCM, interleaved when Channels > 1.
type Sample struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames held.
func (s Sample) Frames() int {
	if s.Channels <= 0 {
		return 0
	}
	return len(s.PCM) / (2 * s.Channels)
}

// Duration returns the playback length of the sample.
func (s Sample) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Frames()) * time.Second / time.Duration(s.SampleRate)
}

// Empty reports whether the sample carries no audio.
func (s Sample) Empty() bool {
	return s.Frames() == 0
}

// Format describes a raw PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) bytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	return frames * 2 * f.Channels
}

func (f Format) durationOf(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / (2 * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// rms computes the root-mean-square energy of a PCM chunk.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
