// Package web serves the transcription page and its JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

// Server exposes session commands over HTTP.
type Server struct {
	sessions  *session.Manager
	hub       *Hub
	cfg       config.SessionConfig
	maxUpload int64
	log       *slog.Logger
}

func NewServer(cfg config.Config, sessions *session.Manager, hub *Hub, log *slog.Logger) *Server {
	maxUpload := int64(cfg.HTTP.MaxUploadMB) << 20
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	return &Server{
		sessions:  sessions,
		hub:       hub,
		cfg:       cfg.Session,
		maxUpload: maxUpload,
		log:       log.With(slog.String("component", "web")),
	}
}

// Register mounts the page and API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/options", s.handleOptions)
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSnapshot)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleEnd)
	mux.HandleFunc("POST /api/sessions/{id}/microphone", s.handleMicrophone)
	mux.HandleFunc("POST /api/sessions/{id}/files", s.handleFile)
	mux.HandleFunc("POST /api/sessions/{id}/compare", s.handleCompare)
	mux.HandleFunc("POST /api/sessions/{id}/clear", s.handleClear)
	mux.HandleFunc("POST /api/sessions/{id}/clear-current", s.handleClearCurrent)
	mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExport)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, optionsView{
		Languages:       s.cfg.Languages,
		DefaultLanguage: s.cfg.DefaultLanguage,
		MinDuration:     s.cfg.MinDurationSeconds,
		MaxDuration:     s.cfg.MaxDurationSeconds,
		DefaultDuration: s.cfg.DefaultDurationSeconds,
		HistoryLimit:    s.cfg.HistoryLimit,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.sessions.Create(r.Context(), clientAddr(r))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionView(ctrl.Snapshot(s.cfg.HistoryLimit)))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	limit := s.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorView{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, newSessionView(ctrl.Snapshot(limit)))
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type microphoneRequest struct {
	Duration int    `json:"duration"`
	Language string `json:"language"`
}

func (s *Server) handleMicrophone(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req microphoneRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorView{Error: fmt.Sprintf("invalid request body: %v", err)})
			return
		}
	}
	if req.Duration == 0 {
		req.Duration = s.cfg.DefaultDurationSeconds
	}
	if req.Duration < s.cfg.MinDurationSeconds || req.Duration > s.cfg.MaxDurationSeconds {
		writeJSON(w, http.StatusBadRequest, errorView{Error: fmt.Sprintf("duration must be between %d and %d seconds", s.cfg.MinDurationSeconds, s.cfg.MaxDurationSeconds)})
		return
	}
	language, ok := s.language(w, req.Language)
	if !ok {
		return
	}

	text, err := ctrl.TranscribeFromMicrophone(r.Context(), req.Duration, language)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, microphoneView{
		Text:    text,
		Session: newSessionView(ctrl.Snapshot(s.cfg.HistoryLimit)),
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, name, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, ctrl.RejectFile(r.Context(), err), http.StatusBadRequest)
		return
	}
	language, ok := s.language(w, r.FormValue("language"))
	if !ok {
		return
	}

	outcome, err := ctrl.TranscribeFromFile(r.Context(), data, name, language)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, newFileView(outcome, ctrl.Snapshot(s.cfg.HistoryLimit)))
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, name, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, ctrl.RejectComparison(r.Context(), err), http.StatusBadRequest)
		return
	}
	results, err := ctrl.CompareMethods(r.Context(), data, name)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, newCompareView(results))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := ctrl.ClearAll(r.Context()); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(ctrl.Snapshot(s.cfg.HistoryLimit)))
}

func (s *Server) handleClearCurrent(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctrl.ClearCurrentTranscription()
	writeJSON(w, http.StatusOK, newSessionView(ctrl.Snapshot(s.cfg.HistoryLimit)))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name, body, err := ctrl.ExportCurrent()
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	id := ctrl.ID()
	s.hub.Serve(w, r, id, func() bool {
		_, err := s.sessions.Get(id)
		return err == nil
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	ctrl, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return nil, false
	}
	return ctrl, true
}

func (s *Server) language(w http.ResponseWriter, tag string) (string, bool) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return s.cfg.DefaultLanguage, true
	}
	if !s.cfg.HasLanguage(tag) {
		writeJSON(w, http.StatusBadRequest, errorView{Error: fmt.Sprintf("unsupported language %q", tag)})
		return "", false
	}
	return tag, true
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		return nil, "", fmt.Errorf("invalid upload: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("missing file field: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	return data, header.Filename, nil
}

// writeError maps domain errors onto HTTP statuses. ioStatus is used for
// io_failure, which means a bad upload for file commands and a server fault otherwise.
func (s *Server) writeError(w http.ResponseWriter, err error, ioStatus int) {
	status := http.StatusInternalServerError
	view := errorView{Error: err.Error()}
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrTooManySessions), errors.Is(err, session.ErrMicrophoneDisabled), errors.Is(err, session.ErrNoBackends):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNothingToExport):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidDuration):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if kind, ok := session.KindOf(err); ok {
		view.Kind = string(kind)
		switch kind {
		case session.KindNoSpeech:
			status = http.StatusUnprocessableEntity
		case session.KindServiceUnavailable:
			status = http.StatusBadGateway
		case session.KindIOFailure:
			if !errors.Is(err, session.ErrMicrophoneDisabled) {
				status = ioStatus
			}
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
