package session

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Statistics are running totals over the ledger.
type Statistics struct {
	TotalWords           int           `json:"total_words"`
	TotalCharacters      int           `json:"total_characters"`
	TotalRecognitionTime time.Duration `json:"total_recognition_time"`
	SessionCount         int           `json:"session_count"`
}

// WordCount counts whitespace-delimited tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// CharCount counts unicode code points.
func CharCount(text string) int {
	return utf8.RuneCountInString(text)
}

// Update folds one committed record into the totals. Call once per record.
func (s *Statistics) Update(r Record) {
	s.TotalWords += WordCount(r.Text)
	s.TotalCharacters += CharCount(r.Text)
	s.TotalRecognitionTime += r.RecognitionTime
	s.SessionCount++
}

func (s *Statistics) Reset() {
	*s = Statistics{}
}

// AverageRecognitionTime is zero until something was committed.
func (s Statistics) AverageRecognitionTime() time.Duration {
	if s.SessionCount == 0 {
		return 0
	}
	return s.TotalRecognitionTime / time.Duration(s.SessionCount)
}
