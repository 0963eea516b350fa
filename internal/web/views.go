package web

import (
	"sort"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

type errorView struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type optionsView struct {
	Languages       []config.LanguageOption `json:"languages"`
	DefaultLanguage string                  `json:"default_language"`
	MinDuration     int                     `json:"min_duration"`
	MaxDuration     int                     `json:"max_duration"`
	DefaultDuration int                     `json:"default_duration"`
	HistoryLimit    int                     `json:"history_limit"`
}

type recordView struct {
	Timestamp          string   `json:"timestamp"`
	Text               string   `json:"text"`
	Confidence         *float64 `json:"confidence,omitempty"`
	RecognitionSeconds float64  `json:"recognition_seconds"`
	Source             string   `json:"source"`
	Language           string   `json:"language"`
}

type statisticsView struct {
	TotalWords              int     `json:"total_words"`
	TotalCharacters         int     `json:"total_characters"`
	TotalRecognitionSeconds float64 `json:"total_recognition_seconds"`
	AverageRecognitionTime  float64 `json:"average_recognition_seconds"`
	SessionCount            int     `json:"session_count"`
}

type sessionView struct {
	ID           string             `json:"id"`
	Current      string             `json:"current"`
	History      []recordView       `json:"history"`
	TotalRecords int                `json:"total_records"`
	Statistics   statisticsView     `json:"statistics"`
	Log          []session.LogEntry `json:"log"`
}

type microphoneView struct {
	Text    string      `json:"text"`
	Session sessionView `json:"session"`
}

type alternativeView struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type fileView struct {
	Text               string            `json:"text"`
	Confidence         *float64          `json:"confidence,omitempty"`
	RecognitionSeconds float64           `json:"recognition_seconds"`
	Alternatives       []alternativeView `json:"alternatives"`
	Session            sessionView       `json:"session"`
}

type methodView struct {
	Method         string  `json:"method"`
	Text           string  `json:"text,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
	Failure        string  `json:"failure,omitempty"`
}

type compareView struct {
	Results []methodView `json:"results"`
}

func newSessionView(snap session.Snapshot) sessionView {
	history := make([]recordView, 0, len(snap.History))
	for _, r := range snap.History {
		history = append(history, recordView{
			Timestamp:          r.Timestamp.Format(time.DateTime),
			Text:               r.Text,
			Confidence:         r.Confidence,
			RecognitionSeconds: r.RecognitionTime.Seconds(),
			Source:             r.Source,
			Language:           r.Language,
		})
	}
	log := snap.Log
	if log == nil {
		log = []session.LogEntry{}
	}
	return sessionView{
		ID:           snap.ID,
		Current:      snap.Current,
		History:      history,
		TotalRecords: snap.TotalRecords,
		Statistics: statisticsView{
			TotalWords:              snap.Statistics.TotalWords,
			TotalCharacters:         snap.Statistics.TotalCharacters,
			TotalRecognitionSeconds: snap.Statistics.TotalRecognitionTime.Seconds(),
			AverageRecognitionTime:  snap.Statistics.AverageRecognitionTime().Seconds(),
			SessionCount:            snap.Statistics.SessionCount,
		},
		Log: log,
	}
}

func newFileView(outcome session.Outcome, snap session.Snapshot) fileView {
	alts := make([]alternativeView, 0, len(outcome.Alternatives))
	for _, a := range outcome.Alternatives {
		alts = append(alts, alternativeView{Text: a.Text, Confidence: a.Confidence})
	}
	return fileView{
		Text:               outcome.Text,
		Confidence:         outcome.Confidence,
		RecognitionSeconds: outcome.RecognitionTime.Seconds(),
		Alternatives:       alts,
		Session:            newSessionView(snap),
	}
}

func newCompareView(results map[string]session.MethodResult) compareView {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	view := compareView{Results: make([]methodView, 0, len(names))}
	for _, name := range names {
		r := results[name]
		view.Results = append(view.Results, methodView{
			Method:         name,
			Text:           r.Text,
			ElapsedSeconds: r.Elapsed.Seconds(),
			Failure:        r.Failure,
		})
	}
	return view
}
