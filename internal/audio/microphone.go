package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// Microphone opens capture streams and turns them into speech samples.
type Microphone interface {
	Open(ctx context.Context) (*Stream, error)
	Calibrate(ctx context.Context, src *Stream, d time.Duration) error
	Listen(ctx context.Context, src *Stream, timeout, phraseLimit time.Duration) (Sample, error)
}

// FFmpegMicrophone captures microphone PCM through an ffmpeg process.
type FFmpegMicrophone struct {
	cmd []string
	cfg config.MicrophoneConfig
}

// NewFFmpegMicrophone parses the configured capture command.
func NewFFmpegMicrophone(cfg config.MicrophoneConfig) (*FFmpegMicrophone, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse microphone command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("microphone command is empty")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return &FFmpegMicrophone{cmd: args, cfg: cfg}, nil
}

func (m *FFmpegMicrophone) Open(ctx context.Context) (*Stream, error) {
	args := append([]string{}, m.cmd[1:]...)
	args = append(args,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", m.cfg.InputFormat,
		"-i", m.cfg.InputDevice,
		"-ac", strconv.Itoa(m.cfg.Channels),
		"-ar", strconv.Itoa(m.cfg.SampleRate),
		"-f", "s16le",
		"-",
	)

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, m.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("microphone stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start microphone capture: %w", err)
	}

	var once sync.Once
	stop := func() error {
		once.Do(func() {
			cancel()
			_ = cmd.Wait()
		})
		return nil
	}

	format := Format{SampleRate: m.cfg.SampleRate, Channels: m.cfg.Channels}
	frame := time.Duration(m.cfg.FrameMS) * time.Millisecond
	stream := NewStream(stdout, format, frame, stop)
	// Waiting for the process flushes whatever ffmpeg wrote to stderr.
	stream.diagnose = func() string {
		_ = stop()
		return strings.TrimSpace(stderr.String())
	}
	return stream, nil
}

func (m *FFmpegMicrophone) Calibrate(ctx context.Context, src *Stream, d time.Duration) error {
	return src.Calibrate(ctx, d)
}

func (m *FFmpegMicrophone) Listen(ctx context.Context, src *Stream, timeout, phraseLimit time.Duration) (Sample, error) {
	return src.Listen(ctx, timeout, phraseLimit)
}
