package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type stubMicrophone struct {
	sample audio.Sample
}

func (m *stubMicrophone) Open(context.Context) (*audio.Stream, error) {
	return audio.NewStream(bytes.NewReader(nil), audio.Format{SampleRate: 16000, Channels: 1}, 0, nil), nil
}

func (m *stubMicrophone) Calibrate(context.Context, *audio.Stream, time.Duration) error { return nil }

func (m *stubMicrophone) Listen(context.Context, *audio.Stream, time.Duration, time.Duration) (audio.Sample, error) {
	return m.sample, nil
}

type testEnv struct {
	srv *httptest.Server
	hub *Hub
}

func newTestEnv(t *testing.T, mic audio.Microphone) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()

	decoder, err := audio.NewFileDecoder(config.DecoderConfig{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	hub := NewHub(logger)
	manager := session.NewManager(session.ManagerConfig{MaxSessions: 2}, session.Dependencies{
		Microphone: mic,
		Decoder:    decoder,
		Primary:    stt.NewMockRecognizer("Google", "hello world", 0.92),
		Secondary:  []stt.Recognizer{stt.NewMockRecognizer("Sphinx (Offline)", "hello word", 0)},
		Notifier:   hub,
		Logger:     logger,
	}, session.Options{DefaultLanguage: cfg.Session.DefaultLanguage}, nil)

	mux := http.NewServeMux()
	NewServer(cfg, manager, hub, logger).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub}
}

func (e *testEnv) createSession(t *testing.T) sessionView {
	t.Helper()
	resp, err := http.Post(e.srv.URL+"/api/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var view sessionView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return view
}

func speechWAV(t *testing.T) []byte {
	t.Helper()
	pcm := make([]byte, 2*16000)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i+1] = 0x10
	}
	path := filepath.Join(t.TempDir(), "speech.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	if err := audio.EncodeWAV(f, audio.Sample{PCM: pcm, SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	_ = f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func uploadForm(t *testing.T, name string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write(data)
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	_ = w.Close()
	return body, w.FormDataContentType()
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestFileTranscriptionFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := env.createSession(t)
	base := env.srv.URL + "/api/sessions/" + sess.ID

	body, ctype := uploadForm(t, "sample.wav", speechWAV(t), map[string]string{"language": "fr-FR"})
	resp, err := http.Post(base+"/files", ctype, body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	file := decodeBody[fileView](t, resp)
	if file.Text != "hello world" {
		t.Fatalf("unexpected text %q", file.Text)
	}
	if file.Confidence == nil || *file.Confidence != 0.92 {
		t.Fatalf("unexpected confidence %v", file.Confidence)
	}
	if len(file.Alternatives) != session.MaxAlternatives {
		t.Fatalf("expected %d alternatives, got %d", session.MaxAlternatives, len(file.Alternatives))
	}
	if file.Session.TotalRecords != 1 || file.Session.History[0].Language != "fr-FR" {
		t.Fatalf("unexpected session view: %+v", file.Session)
	}
	if file.Session.Statistics.TotalWords != 2 || file.Session.Statistics.TotalCharacters != 11 {
		t.Fatalf("unexpected statistics: %+v", file.Session.Statistics)
	}

	resp, err = http.Get(base + "/export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	exported, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(exported) != "hello world" {
		t.Fatalf("unexpected export %d %q", resp.StatusCode, exported)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "transcription_") {
		t.Fatalf("unexpected disposition %q", resp.Header.Get("Content-Disposition"))
	}

	resp, _ = http.Post(base+"/clear-current", "", nil)
	cleared := decodeBody[sessionView](t, resp)
	if cleared.Current != "" || cleared.TotalRecords != 1 {
		t.Fatalf("clear-current must keep history: %+v", cleared)
	}
	resp, _ = http.Get(base + "/export")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 exporting empty transcription, got %d", resp.StatusCode)
	}

	resp, _ = http.Post(base+"/clear", "", nil)
	reset := decodeBody[sessionView](t, resp)
	if reset.TotalRecords != 0 || reset.Statistics.TotalWords != 0 {
		t.Fatalf("expected cleared session, got %+v", reset)
	}
	if len(reset.Log) != 1 || reset.Log[0].Message != "All data cleared" {
		t.Fatalf("unexpected log after clear: %+v", reset.Log)
	}
}

func TestFileTranscriptionRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := env.createSession(t)
	base := env.srv.URL + "/api/sessions/" + sess.ID

	body, ctype := uploadForm(t, "sample.wav", speechWAV(t), map[string]string{"language": "xx-XX"})
	resp, _ := http.Post(base+"/files", ctype, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown language, got %d", resp.StatusCode)
	}

	body, ctype = uploadForm(t, "notes.mp3", []byte("not audio"), nil)
	resp, _ = http.Post(base+"/files", ctype, body)
	failure := decodeBody[errorView](t, resp)
	if resp.StatusCode != http.StatusBadRequest || failure.Kind != string(session.KindIOFailure) {
		t.Fatalf("expected io_failure 400, got %d %+v", resp.StatusCode, failure)
	}

	resp, _ = http.Post(env.srv.URL+"/api/sessions/missing/files", ctype, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestUnreadableUploadIsLogged(t *testing.T) {
	cases := []struct {
		endpoint string
		message  string
	}{
		{endpoint: "/files", message: "Error processing file: "},
		{endpoint: "/compare", message: "Comparison error: "},
	}
	for _, tc := range cases {
		t.Run(strings.TrimPrefix(tc.endpoint, "/"), func(t *testing.T) {
			env := newTestEnv(t, nil)
			sess := env.createSession(t)
			base := env.srv.URL + "/api/sessions/" + sess.ID

			body := &bytes.Buffer{}
			mw := multipart.NewWriter(body)
			_ = mw.WriteField("language", "en-US")
			_ = mw.Close()
			resp, err := http.Post(base+tc.endpoint, mw.FormDataContentType(), body)
			if err != nil {
				t.Fatalf("upload: %v", err)
			}
			failure := decodeBody[errorView](t, resp)
			if resp.StatusCode != http.StatusBadRequest || failure.Kind != string(session.KindIOFailure) {
				t.Fatalf("expected io_failure 400, got %d %+v", resp.StatusCode, failure)
			}

			resp, _ = http.Get(base)
			snap := decodeBody[sessionView](t, resp)
			if len(snap.Log) != 1 {
				t.Fatalf("expected one log entry, got %+v", snap.Log)
			}
			entry := snap.Log[0]
			if entry.Severity != session.SeverityError || !strings.HasPrefix(entry.Message, tc.message) {
				t.Fatalf("unexpected log entry %+v", entry)
			}
			if snap.TotalRecords != 0 || snap.Current != "" {
				t.Fatalf("failed upload must not touch state: %+v", snap)
			}
		})
	}
}

func TestMicrophoneEndpoint(t *testing.T) {
	mic := &stubMicrophone{sample: audio.Sample{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1}}
	env := newTestEnv(t, mic)
	sess := env.createSession(t)
	base := env.srv.URL + "/api/sessions/" + sess.ID

	resp, _ := http.Post(base+"/microphone", "application/json", strings.NewReader(`{"duration":45}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range duration, got %d", resp.StatusCode)
	}

	resp, err := http.Post(base+"/microphone", "application/json", strings.NewReader(`{"duration":5,"language":"de-DE"}`))
	if err != nil {
		t.Fatalf("microphone: %v", err)
	}
	view := decodeBody[microphoneView](t, resp)
	if resp.StatusCode != http.StatusOK || view.Text != "hello world" {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, view)
	}
	rec := view.Session.History[0]
	if rec.Source != session.SourceMicrophone || rec.Confidence != nil || rec.Language != "de-DE" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestMicrophoneDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := env.createSession(t)
	resp, _ := http.Post(env.srv.URL+"/api/sessions/"+sess.ID+"/microphone", "application/json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a microphone, got %d", resp.StatusCode)
	}
}

func TestCompareEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := env.createSession(t)
	body, ctype := uploadForm(t, "sample.wav", speechWAV(t), nil)
	resp, err := http.Post(env.srv.URL+"/api/sessions/"+sess.ID+"/compare", ctype, body)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	view := decodeBody[compareView](t, resp)
	if len(view.Results) != 2 {
		t.Fatalf("expected two methods, got %+v", view.Results)
	}
	if view.Results[0].Method != "Google" || view.Results[0].Text != "hello world" {
		t.Fatalf("unexpected first result %+v", view.Results[0])
	}
	if view.Results[1].Method != "Sphinx (Offline)" || view.Results[1].Failure != "" {
		t.Fatalf("unexpected second result %+v", view.Results[1])
	}

	resp, _ = http.Get(env.srv.URL + "/api/sessions/" + sess.ID)
	snap := decodeBody[sessionView](t, resp)
	if snap.TotalRecords != 0 {
		t.Fatal("comparison must not touch the ledger")
	}
}

func TestSessionLimitAndEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.createSession(t)
	env.createSession(t)

	resp, _ := http.Post(env.srv.URL+"/api/sessions", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 at session limit, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/api/sessions/"+first.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp, _ = http.Get(env.srv.URL + "/api/sessions/" + first.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after end, got %d", resp.StatusCode)
	}
}

func TestOptionsAndIndex(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := http.Get(env.srv.URL + "/api/options")
	opts := decodeBody[optionsView](t, resp)
	if opts.DefaultLanguage != "en-US" || len(opts.Languages) != 9 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.MinDuration != 3 || opts.MaxDuration != 30 || opts.DefaultDuration != 5 {
		t.Fatalf("unexpected duration bounds %+v", opts)
	}

	resp, _ = http.Get(env.srv.URL + "/")
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(page), "Loqa Scribe") {
		t.Fatal("expected embedded page")
	}
}

func TestEventsStreamOverWebsocket(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := env.createSession(t)
	base := env.srv.URL + "/api/sessions/" + sess.ID

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers(sess.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	body, ctype := uploadForm(t, "sample.wav", speechWAV(t), nil)
	resp, _ := http.Post(base+"/files", ctype, body)
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var committed protocol.SessionEvent
	for committed.Type != protocol.EventTranscriptCommitted {
		if err := conn.ReadJSON(&committed); err != nil {
			t.Fatalf("read event: %v", err)
		}
	}
	if committed.SessionID != sess.ID || committed.Text != "hello world" {
		t.Fatalf("unexpected event %+v", committed)
	}

	req, _ := http.NewRequest(http.MethodDelete, base, nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()

	for {
		var evt protocol.SessionEvent
		if err := conn.ReadJSON(&evt); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			break
		}
	}
}

func TestEventsUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/sessions/nope/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestHubClosesSubscriberOfEndedSession(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	// The session ended between lookup and subscribe, so its end event was already published.
	hub.Publish(protocol.SessionEvent{SessionID: "gone", Type: protocol.EventSessionEnded})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "gone", func() bool { return false })
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if n := hub.Subscribers("gone"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
