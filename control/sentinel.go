// Package control is the out-of-band operator channel: sentinel files for
// stop/pause requests and a periodically rewritten status file. Sentinels are
// consumed (deleted) the moment they are observed so a request acts once.
package control

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	stopFile  = "stop"
	pauseFile = "pause"

	defaultPause = 60 * time.Second
)

// Sentinels watches a directory for stop/pause request files.
type Sentinels struct {
	Dir string
}

// CheckStop reports whether a stop was requested, consuming the sentinel. The
// file's text, if any, becomes the stop reason.
func (s *Sentinels) CheckStop() (reason string, ok bool) {
	path := filepath.Join(s.Dir, stopFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	s.consume(path)
	reason = strings.TrimSpace(string(b))
	if reason == "" {
		reason = "stop requested"
	}
	return reason, true
}

// CheckPause reports whether a pause was requested, consuming the sentinel.
// The file's text is the pause length in whole seconds; blank or unparsable
// text falls back to 60s.
func (s *Sentinels) CheckPause() (time.Duration, bool) {
	path := filepath.Join(s.Dir, pauseFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	s.consume(path)
	d := defaultPause
	if text := strings.TrimSpace(string(b)); text != "" {
		if secs, err := strconv.Atoi(text); err == nil && secs > 0 {
			d = time.Duration(secs) * time.Second
		} else {
			slog.Warn("unparsable pause sentinel; using default",
				slog.String("text", text), slog.Duration("default", defaultPause))
		}
	}
	return d, true
}

func (s *Sentinels) consume(path string) {
	if err := os.Remove(path); err != nil {
		slog.Warn("failed to consume sentinel", slog.String("path", path), slog.Any("err", err))
	}
}
