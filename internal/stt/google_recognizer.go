package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

type googleRecognizer struct {
	name     string
	endpoint string
	key      string
	client   *http.Client
}

type googleResponse struct {
	Result      []googleResult `json:"result"`
	ResultIndex int            `json:"result_index"`
}

type googleResult struct {
	Alternative []googleAlternative `json:"alternative"`
	Final       bool                `json:"final"`
}

type googleAlternative struct {
	Transcript string   `json:"transcript"`
	Confidence *float64 `json:"confidence"`
}

// NewGoogleRecognizer posts raw L16 audio to a speech-api v2 compatible endpoint.
func NewGoogleRecognizer(cfg config.RecognizerConfig) Recognizer {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return &googleRecognizer{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		key:      cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (g *googleRecognizer) Name() string { return g.name }

func (g *googleRecognizer) Recognize(ctx context.Context, sample audio.Sample, req Request) (Result, error) {
	if sample.Empty() {
		return Result{}, ErrNoSpeech
	}
	mono := sample
	if sample.Channels > 1 {
		mono = downmix(sample)
	}

	query := url.Values{}
	query.Set("client", "chromium")
	query.Set("lang", req.Language)
	if g.key != "" {
		query.Set("key", g.key)
	}
	query.Set("pFilter", "0")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"?"+query.Encode(), bytes.NewReader(mono.PCM))
	if err != nil {
		return Result{}, &UnavailableError{Backend: g.name, Reason: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d;", mono.SampleRate))

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &UnavailableError{Backend: g.name, Reason: "recognition connection failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &UnavailableError{
			Backend: g.name,
			Reason:  fmt.Sprintf("recognition request failed: %s %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}

	alternatives, err := parseGoogleStream(resp.Body)
	if err != nil {
		return Result{}, &UnavailableError{Backend: g.name, Reason: "decode response", Err: err}
	}
	if len(alternatives) == 0 {
		return Result{}, ErrNoSpeech
	}
	if !req.Alternatives {
		alternatives = alternatives[:1]
	}
	return Result{Alternatives: alternatives}, nil
}

// parseGoogleStream reads newline-delimited responses and keeps the first
// non-empty result.
func parseGoogleStream(r io.Reader) ([]Alternative, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk googleResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, err
		}
		if len(chunk.Result) == 0 {
			continue
		}
		var out []Alternative
		for _, alt := range chunk.Result[0].Alternative {
			text := strings.TrimSpace(alt.Transcript)
			if text == "" {
				continue
			}
			out = append(out, Alternative{Text: text, Confidence: alt.Confidence})
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, scanner.Err()
}

func downmix(s audio.Sample) audio.Sample {
	frames := s.Frames()
	pcm := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < s.Channels; c++ {
			off := (i*s.Channels + c) * 2
			sum += int(int16(uint16(s.PCM[off]) | uint16(s.PCM[off+1])<<8))
		}
		v := uint16(int16(sum / s.Channels))
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return audio.Sample{PCM: pcm, SampleRate: s.SampleRate, Channels: 1}
}
