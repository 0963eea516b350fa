package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	name string
	cmd  []string
	cfg  config.RecognizerConfig
	mu   sync.Mutex
}

type execResult struct {
	Text         string            `json:"text"`
	Confidence   *float64          `json:"confidence"`
	Alternatives []execAlternative `json:"alternatives"`
}

type execAlternative struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

// NewExecRecognizer runs an external recognizer command per request. The command
// receives a WAV file path and prints a JSON result on stdout.
func NewExecRecognizer(cfg config.RecognizerConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{name: cfg.Name, cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Name() string { return r.name }

func (r *execRecognizer) Recognize(ctx context.Context, sample audio.Sample, req Request) (Result, error) {
	if sample.Empty() {
		return Result{}, ErrNoSpeech
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "scribe_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, sample); err != nil {
		return Result{}, err
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if req.Language != "" {
		cmdArgs = append(cmdArgs, "--language", req.Language)
	}
	if req.Alternatives {
		cmdArgs = append(cmdArgs, "--alternatives", "5")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &UnavailableError{
			Backend: r.name,
			Reason:  strings.TrimSpace("command failed " + stderr.String()),
			Err:     err,
		}
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, &UnavailableError{Backend: r.name, Reason: "decode stt response", Err: err}
	}

	var result Result
	if text := strings.TrimSpace(resp.Text); text != "" {
		result.Alternatives = append(result.Alternatives, Alternative{Text: text, Confidence: resp.Confidence})
	}
	if req.Alternatives {
		for _, alt := range resp.Alternatives {
			text := strings.TrimSpace(alt.Text)
			if text == "" {
				continue
			}
			result.Alternatives = append(result.Alternatives, Alternative{Text: text, Confidence: alt.Confidence})
		}
	}
	if len(result.Alternatives) == 0 {
		return Result{}, ErrNoSpeech
	}
	return result, nil
}
