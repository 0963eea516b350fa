package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(t.TempDir(), "nats")
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.EventStore.RetentionMode = "persistent"
	cfg.Microphone.Enabled = false
	cfg.Recognizer.MockText = "hello world"
	return cfg
}

func TestRuntimeServesSessionsAndPublishesEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(testConfig(t), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for !rt.ready.Load() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("runtime never became ready")
		}
		select {
		case err := <-done:
			t.Fatalf("runtime exited early: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	base := "http://" + rt.Addr()

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	nc, err := nats.Connect(rt.embeddedBus.ClientURL())
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(protocol.SubjectSessionAll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	resp, err = http.Post(base+"/api/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.ID == "" {
		t.Fatalf("unexpected create response %d %+v", resp.StatusCode, created)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected session event on bus: %v", err)
	}
	if msg.Subject != protocol.SessionSubject(created.ID, protocol.EventSessionStarted) {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}

	events, err := rt.store.ListSessionEvents(context.Background(), created.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != eventstore.TypeSessionStarted {
		t.Fatalf("expected journaled session start, got %+v", events)
	}

	remote := stt.NewBusRecognizer("Remote", "", nc, 2*time.Second)
	result, err := remote.Recognize(context.Background(),
		audio.Sample{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1},
		stt.Request{Language: "en-US"})
	if err != nil {
		t.Fatalf("remote recognize: %v", err)
	}
	if best, _ := result.Best(); best.Text != "hello world" {
		t.Fatalf("unexpected remote transcript %+v", best)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not shut down")
	}
}

func TestRuntimeRejectsBadRecognizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = false
	cfg.Recognizer.Mode = "telepathy"
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail for an unknown recognizer mode")
	}
}
