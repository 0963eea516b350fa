package session

import (
	"fmt"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }
}

func TestActivityLogKeepsLastTwenty(t *testing.T) {
	log := NewActivityLog(LogCapacity, fixedClock())
	for i := 0; i < 27; i++ {
		log.Append(fmt.Sprintf("entry %d", i), SeverityInfo)
		if log.Len() > LogCapacity {
			t.Fatalf("log grew past capacity: %d", log.Len())
		}
	}
	entries := log.All()
	if len(entries) != LogCapacity {
		t.Fatalf("expected %d entries, got %d", LogCapacity, len(entries))
	}
	for i, entry := range entries {
		want := fmt.Sprintf("entry %d", i+7)
		if entry.Message != want {
			t.Fatalf("entry %d: expected %q, got %q", i, want, entry.Message)
		}
	}
	if entries[0].Timestamp != "09:26:53" {
		t.Fatalf("unexpected timestamp format %q", entries[0].Timestamp)
	}
}

func TestActivityLogAllIsACopy(t *testing.T) {
	log := NewActivityLog(3, nil)
	log.Append("a", SeverityInfo)
	entries := log.All()
	entries[0].Message = "mutated"
	if log.All()[0].Message != "a" {
		t.Fatal("All must not expose internal storage")
	}
	log.Reset()
	if log.Len() != 0 {
		t.Fatal("expected empty log after reset")
	}
}

func TestLedgerMostRecent(t *testing.T) {
	var l Ledger
	for i := 0; i < 5; i++ {
		l.Append(Record{Text: fmt.Sprintf("r%d", i)})
	}
	recent := l.MostRecent(3)
	if len(recent) != 3 || recent[0].Text != "r4" || recent[2].Text != "r2" {
		t.Fatalf("unexpected most recent: %+v", recent)
	}
	if got := l.MostRecent(10); len(got) != 5 || got[4].Text != "r0" {
		t.Fatalf("expected whole ledger newest first, got %+v", got)
	}
	if l.MostRecent(0) != nil {
		t.Fatal("expected nil for n=0")
	}
	all := l.All()
	if len(all) != 5 || all[0].Text != "r0" {
		t.Fatalf("expected chronological order, got %+v", all)
	}
}

func TestStatisticsCounting(t *testing.T) {
	var s Statistics
	s.Update(Record{Text: "hello world", RecognitionTime: 1500 * time.Millisecond})
	s.Update(Record{Text: "  naïve   café\tau lait ", RecognitionTime: 500 * time.Millisecond})
	if s.TotalWords != 6 {
		t.Fatalf("expected 6 words, got %d", s.TotalWords)
	}
	if s.TotalCharacters != 11+CharCount("  naïve   café\tau lait ") {
		t.Fatalf("unexpected character count %d", s.TotalCharacters)
	}
	if CharCount("naïve") != 5 {
		t.Fatalf("expected code point counting")
	}
	if s.AverageRecognitionTime() != time.Second {
		t.Fatalf("expected 1s average, got %s", s.AverageRecognitionTime())
	}
	s.Reset()
	if s != (Statistics{}) {
		t.Fatalf("expected zero statistics, got %+v", s)
	}
	if s.AverageRecognitionTime() != 0 {
		t.Fatal("expected zero average when empty")
	}
}

func TestExportFileName(t *testing.T) {
	got := ExportFileName(time.Date(2026, 10, 19, 8, 5, 9, 0, time.UTC))
	if got != "transcription_20261019_080509.txt" {
		t.Fatalf("unexpected export name %q", got)
	}
}

func TestExcerpt(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "é"
	}
	if got := excerpt(long); CharCount(got) != 50 {
		t.Fatalf("expected 50 runes, got %d", CharCount(got))
	}
	if excerpt("short") != "short" {
		t.Fatal("short text should be unchanged")
	}
}
