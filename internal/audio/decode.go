package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

var (
	// ErrEmptyAudio is returned for uploads that carry no bytes or no frames.
	ErrEmptyAudio = errors.New("audio payload is empty")
	// ErrUnsupportedFormat is returned when the payload cannot be decoded.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Decoder turns an uploaded audio file into a speech sample.
type Decoder interface {
	Decode(ctx context.Context, data []byte, name string) (Sample, error)
}

// FileDecoder reads WAV natively and hands other containers to ffmpeg.
type FileDecoder struct {
	cmd        []string
	sampleRate int
}

func NewFileDecoder(cfg config.DecoderConfig) (*FileDecoder, error) {
	var args []string
	if strings.TrimSpace(cfg.Command) != "" {
		parsed, err := shellwords.NewParser().Parse(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("parse decoder command: %w", err)
		}
		args = parsed
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &FileDecoder{cmd: args, sampleRate: rate}, nil
}

func (d *FileDecoder) Decode(ctx context.Context, data []byte, name string) (Sample, error) {
	if len(data) == 0 {
		return Sample{}, ErrEmptyAudio
	}
	if isWAV(data) {
		return DecodeWAV(bytes.NewReader(data))
	}
	if len(d.cmd) == 0 {
		return Sample{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
	return d.transcode(ctx, data, name)
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV reads a PCM WAV stream and folds it down to mono 16-bit.
func DecodeWAV(r io.ReadSeeker) (Sample, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Sample{}, fmt.Errorf("%w: invalid wav header", ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Sample{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return Sample{}, ErrEmptyAudio
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	depth := int(dec.BitDepth)
	frames := len(buf.Data) / channels
	if frames == 0 {
		return Sample{}, ErrEmptyAudio
	}

	pcm := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += to16(buf.Data[i*channels+c], depth)
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(clamp16(sum/channels))))
	}
	return Sample{PCM: pcm, SampleRate: buf.Format.SampleRate, Channels: 1}, nil
}

func to16(v, depth int) int {
	switch {
	case depth == 8:
		return (v - 128) << 8
	case depth > 16:
		return v >> (depth - 16)
	default:
		return v
	}
}

func clamp16(v int) int {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// EncodeWAV writes the sample as a 16-bit PCM WAV file.
func EncodeWAV(w io.WriteSeeker, s Sample) error {
	if len(s.PCM)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	channels := s.Channels
	if channels <= 0 {
		channels = 1
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: s.SampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(s.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(s.PCM[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, s.SampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func (d *FileDecoder) transcode(ctx context.Context, data []byte, name string) (Sample, error) {
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".bin"
	}
	file, err := os.CreateTemp("", "scribe_upload_*"+ext)
	if err != nil {
		return Sample{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(data); err != nil {
		file.Close()
		return Sample{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return Sample{}, fmt.Errorf("close temp file: %w", err)
	}

	args := append([]string{}, d.cmd[1:]...)
	args = append(args,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", file.Name(),
		"-ac", "1",
		"-ar", strconv.Itoa(d.sampleRate),
		"-f", "s16le",
		"-",
	)
	command := exec.CommandContext(ctx, d.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Sample{}, fmt.Errorf("%w: %s: %v: %s", ErrUnsupportedFormat, ext, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() < 2 {
		return Sample{}, ErrEmptyAudio
	}
	pcm := stdout.Bytes()
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return Sample{PCM: pcm, SampleRate: d.sampleRate, Channels: 1}, nil
}
