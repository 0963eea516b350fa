package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

type mockRecognizer struct {
	name  string
	text  string
	score float64
}

// NewMockRecognizer returns a deterministic backend. An empty text produces a
// description of the sample instead.
func NewMockRecognizer(name, text string, score float64) Recognizer {
	return &mockRecognizer{name: name, text: text, score: score}
}

func (m *mockRecognizer) Name() string { return m.name }

func (m *mockRecognizer) Recognize(ctx context.Context, sample audio.Sample, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if sample.Empty() {
		return Result{}, ErrNoSpeech
	}
	text := m.text
	if text == "" {
		text = fmt.Sprintf("[%s transcript %s %.2fs]", m.name, req.Language, sample.Duration().Seconds())
	}
	best := Alternative{Text: text}
	if m.score > 0 {
		best.Confidence = confidence(m.score)
	}
	result := Result{Alternatives: []Alternative{best}}
	if req.Alternatives {
		for i := 1; i <= 4; i++ {
			result.Alternatives = append(result.Alternatives, Alternative{Text: fmt.Sprintf("%s (%d)", text, i)})
		}
	}
	return result, nil
}
