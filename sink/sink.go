// Package sink persists captured events and session summaries. Sinks are
// pure: they hold no control logic and know nothing about sessions beyond the
// records handed to them. The CSV schemas are fixed per event kind and match
// the files downstream analysis already consumes.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/stream"
)

// EventSink receives one record per captured event.
type EventSink interface {
	Write(record []string) error
	Close() error
}

// headers maps each captured kind to its fixed column schema.
var headers = map[stream.Kind][]string{
	stream.KindComment: {"timestamp", "user_id", "nickname", "comment", "follower_count"},
	stream.KindGift:    {"timestamp", "user_id", "nickname", "gift_name", "repeat_count", "streakable", "streaking"},
	stream.KindFollow:  {"timestamp", "user_id", "nickname", "follow_count", "share_type", "action"},
	stream.KindShare:   {"timestamp", "user_id", "nickname", "share_type", "share_target", "share_count", "users_joined", "action"},
	stream.KindJoin:    {"timestamp", "user_id", "nickname", "count", "is_top_user", "enter_type", "action", "user_share_type", "client_enter_source"},
	stream.KindLike:    {"timestamp", "user_id", "nickname", "like_count", "total_likes"},
}

// Row renders a captured event into its kind's schema. The bool is false for
// kinds that have no sink (connect/disconnect/ended).
func Row(ev stream.Event, at time.Time) ([]string, bool) {
	ts := at.Format(time.RFC3339Nano)
	switch e := ev.(type) {
	case stream.Comment:
		return []string{ts, e.User.ID, e.User.Nickname, e.Text, strconv.Itoa(e.User.FollowerCount)}, true
	case stream.Gift:
		return []string{ts, e.User.ID, e.User.Nickname, e.Name, strconv.Itoa(e.RepeatCount),
			strconv.FormatBool(e.Streakable), strconv.FormatBool(e.Streaking)}, true
	case stream.Follow:
		return []string{ts, e.User.ID, e.User.Nickname, strconv.Itoa(e.FollowCount),
			strconv.Itoa(e.ShareType), strconv.Itoa(e.Action)}, true
	case stream.Share:
		return []string{ts, e.User.ID, e.User.Nickname, strconv.Itoa(e.ShareType), e.Target,
			strconv.Itoa(e.Count), strconv.Itoa(e.UsersJoined), strconv.Itoa(e.Action)}, true
	case stream.Join:
		return []string{ts, e.User.ID, e.User.Nickname, strconv.Itoa(e.Count),
			strconv.FormatBool(e.TopUser), strconv.Itoa(e.EnterType), strconv.Itoa(e.Action),
			e.ShareType, e.EnterSource}, true
	case stream.Like:
		return []string{ts, e.User.ID, e.User.Nickname, strconv.Itoa(e.Count), strconv.Itoa(e.Total)}, true
	default:
		return nil, false
	}
}

// CSV is an append-only CSV file sink. Writes flush immediately so a crashed
// process leaves complete rows behind. Write and Close serialize on an
// internal mutex: teardown races event delivery, so a late write against a
// closing sink must degrade to an error, never to corrupted writer state.
type CSV struct {
	mu     sync.Mutex
	f      *os.File
	w      *csv.Writer
	closed bool
}

// NewCSV creates the file and writes the header row.
func NewCSV(path string, header []string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sink %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write header %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flush header %s: %w", path, err)
	}
	return &CSV{f: f, w: w}, nil
}

func (c *CSV) Write(record []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("sink %s: %w", c.f.Name(), os.ErrClosed)
	}
	if err := c.w.Write(record); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes and closes the file. Idempotent: a second close is a no-op.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		_ = c.f.Close()
		return err
	}
	return c.f.Close()
}

// Path returns the sink's file path.
func (c *CSV) Path() string { return c.f.Name() }

// OpenSessionSinks creates one CSV sink per captured kind under dir, named
// <login>_<stamp>_<kind>s.csv. On any failure it closes and removes the sinks
// already opened and returns the error, so admission can abort cleanly with
// nothing left on disk.
func OpenSessionSinks(dir, login string, startedAt time.Time) (map[stream.Kind]EventSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	stamp := startedAt.Format("20060102_150405")
	opened := make(map[stream.Kind]EventSink, len(stream.CapturedKinds))
	for _, kind := range stream.CapturedKinds {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s_%ss.csv", login, stamp, kind))
		c, err := NewCSV(path, headers[kind])
		if err != nil {
			for _, s := range opened {
				if csvSink, ok := s.(*CSV); ok {
					_ = csvSink.Close()
					_ = os.Remove(csvSink.Path())
				} else {
					_ = s.Close()
				}
			}
			return nil, err
		}
		opened[kind] = c
	}
	return opened, nil
}

// MultiEvent fans one record out to several sinks. The first error wins but
// every sink still sees the record (and every sink is closed).
type MultiEvent []EventSink

func (m MultiEvent) Write(record []string) error {
	var first error
	for _, s := range m {
		if err := s.Write(record); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiEvent) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CapturePath returns the media file path for a session, alongside its sinks.
func CapturePath(dir, login string, startedAt time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.mp4", login, startedAt.Format("20060102_150405")))
}
