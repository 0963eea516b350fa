package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

func writeSpeech(t *testing.T) string {
	t.Helper()
	pcm := make([]byte, 2*16000)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i+1] = 0x08
	}
	path := filepath.Join(t.TempDir(), "speech.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := audio.EncodeWAV(f, audio.Sample{PCM: pcm, SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}

func TestTranscribeCommand(t *testing.T) {
	path := writeSpeech(t)
	var out bytes.Buffer
	if err := runTranscribe(context.Background(), []string{"-language", "fr-FR", path}, &out); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Processing audio file: speech.wav") {
		t.Fatalf("expected activity log in output:\n%s", got)
	}
	if !strings.Contains(got, "Google transcript fr-FR") {
		t.Fatalf("expected transcript in output:\n%s", got)
	}
}

func TestTranscribeRejectsUnknownLanguage(t *testing.T) {
	path := writeSpeech(t)
	if err := runTranscribe(context.Background(), []string{"-language", "tlh", path}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected unsupported language error")
	}
}

func TestTranscribeRequiresFile(t *testing.T) {
	if err := runTranscribe(context.Background(), nil, &bytes.Buffer{}); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestCompareCommand(t *testing.T) {
	path := writeSpeech(t)
	var out bytes.Buffer
	if err := runCompare(context.Background(), []string{"-file", path}, &out); err != nil {
		t.Fatalf("compare: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Google") || !strings.Contains(got, "Sphinx (Offline)") {
		t.Fatalf("expected both backends in output:\n%s", got)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "scribe.yaml")
	if err := os.WriteFile(good, []byte("session:\n  default_language: de-DE\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out bytes.Buffer
	if err := runValidate([]string{"-config", good}, &out); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "default de-DE") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("session:\n  default_language: xx-XX\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := runValidate([]string{"-config", bad}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected validation error")
	}
}
