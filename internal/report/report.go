package report

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"pbx-bridge-go/internal/logger"
)

// Entry statuses.
const (
	StatusForwarded   = "forwarded"
	StatusNoRecording = "no_recording"
	StatusFailed      = "failed"
)

// Entry is one processed call. Held only in memory: the log is a bounded ring
// for operator visibility, not durable storage.
type Entry struct {
	Time       time.Time `json:"time"`
	CallID     string    `json:"call_id"`
	Status     string    `json:"status"`
	Format     string    `json:"format,omitempty"`
	Language   string    `json:"language,omitempty"`
	WordCount  int       `json:"word_count,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Summary aggregates the current log contents.
type Summary struct {
	TotalCalls int            `json:"total_calls"`
	ByStatus   map[string]int `json:"by_status"`
	ByFormat   map[string]int `json:"by_format"`
	ByLanguage map[string]int `json:"by_language"`
}

type Log struct {
	mu      sync.Mutex
	max     int
	entries []Entry
}

func NewLog(max int) *Log {
	if max <= 0 {
		max = 500
	}
	return &Log{max: max}
}

// Add appends an entry, evicting the oldest once the cap is reached.
func (l *Log) Add(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Summarize() Summary {
	s := Summary{
		ByStatus:   map[string]int{},
		ByFormat:   map[string]int{},
		ByLanguage: map[string]int{},
	}
	for _, e := range l.Entries() {
		s.TotalCalls++
		s.ByStatus[e.Status]++
		if e.Format != "" {
			s.ByFormat[e.Format]++
		}
		if e.Language != "" {
			s.ByLanguage[e.Language]++
		}
	}
	return s
}

// ExportXLSX renders the log as a spreadsheet, one row per processed call.
func (l *Log) ExportXLSX() ([]byte, error) {
	log := logger.NewComponent("report")
	entries := l.Entries()

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	header := []any{"Time", "Call ID", "Status", "Format", "Language", "Word Count", "Duration (ms)", "Error"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, e := range entries {
		cell := fmt.Sprintf("A%d", i+2)
		row := []any{
			e.Time.Format(time.RFC3339),
			e.CallID,
			e.Status,
			e.Format,
			e.Language,
			e.WordCount,
			e.DurationMs,
			e.Error,
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("encode xlsx: %w", err)
	}
	log.WithField("rows", len(entries)).Info("report exported")
	return buf.Bytes(), nil
}
