package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/stream"
)

// Summary is one start/stop/admission-failure record for the session log.
type Summary struct {
	At       time.Time
	Streamer string
	Action   string // recording_started, recording_stopped_<reason>, recording_attempt
	Status   string // success | failed
	Duration time.Duration
	Counts   map[stream.Kind]int
	Tags     []string
	Notes    string
	Err      string
}

// SummaryWriter appends session summary records. Implemented by the CSV log
// below and by the optional Postgres archive.
type SummaryWriter interface {
	Append(s Summary) error
}

var summaryHeader = []string{
	"timestamp", "username", "action", "status", "duration_minutes",
	"comments_count", "gifts_count", "follows_count", "shares_count",
	"joins_count", "likes_count", "tags", "notes", "error_message",
}

// SummaryLog is the append-only CSV session log, one file per day of first
// use. The header is written once when the file is created.
type SummaryLog struct {
	path string

	mu sync.Mutex
}

// NewSummaryLog points the log at path without touching the filesystem; the
// file appears on first append.
func NewSummaryLog(path string) *SummaryLog {
	return &SummaryLog{path: path}
}

// Append writes one record, creating the file with its header if needed. The
// file is opened per append so the log stays valid across process restarts
// and external rotation.
func (l *SummaryLog) Append(s Summary) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, statErr := os.Stat(l.path)
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open summary log %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if os.IsNotExist(statErr) {
		if err := w.Write(summaryHeader); err != nil {
			return err
		}
	}
	count := func(k stream.Kind) string { return strconv.Itoa(s.Counts[k]) }
	record := []string{
		s.At.Format(time.RFC3339),
		s.Streamer,
		s.Action,
		s.Status,
		strconv.FormatFloat(s.Duration.Minutes(), 'f', 2, 64),
		count(stream.KindComment),
		count(stream.KindGift),
		count(stream.KindFollow),
		count(stream.KindShare),
		count(stream.KindJoin),
		count(stream.KindLike),
		strings.Join(s.Tags, ";"),
		s.Notes,
		s.Err,
	}
	if err := w.Write(record); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// MultiSummary fans one summary out to several writers; the first error wins
// but every writer still gets the record.
type MultiSummary []SummaryWriter

func (m MultiSummary) Append(s Summary) error {
	var first error
	for _, w := range m {
		if err := w.Append(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}
