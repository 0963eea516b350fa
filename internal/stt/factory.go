package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// New builds the recognizer described by cfg.
func New(cfg config.RecognizerConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(cfg.Name, cfg.MockText, cfg.MockScore), nil
	case "google":
		return NewGoogleRecognizer(cfg), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}

// FromConfig returns the primary recognizer followed by the optional offline one.
func FromConfig(primary, offline config.RecognizerConfig) (Recognizer, []Recognizer, error) {
	rec, err := New(primary)
	if err != nil {
		return nil, nil, fmt.Errorf("recognizer: %w", err)
	}
	var secondary []Recognizer
	if offline.Enabled {
		r, err := New(offline)
		if err != nil {
			return nil, nil, fmt.Errorf("offline recognizer: %w", err)
		}
		secondary = append(secondary, r)
	}
	return rec, secondary, nil
}
