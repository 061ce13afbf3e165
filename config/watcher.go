package config

import (
	"log/slog"
	"os"
	"time"
)

// Diff describes what changed between two roster snapshots. Only key-set and
// enabled-flag changes matter to the monitor; edits to tags, notes or
// credentials apply on the next probe without ceremony.
type Diff struct {
	Added    []string
	Removed  []string
	Disabled []string
}

// Gone returns the streamers whose active sessions must be stopped: removed
// from the roster or flipped to disabled.
func (d Diff) Gone() []string {
	return append(append([]string{}, d.Removed...), d.Disabled...)
}

// Empty reports whether the diff carries no changes at all.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Disabled) == 0
}

func diff(old, cur *File) Diff {
	var d Diff
	for k := range cur.Streamers {
		if _, ok := old.Streamers[k]; !ok {
			d.Added = append(d.Added, k)
		}
	}
	for k, prev := range old.Streamers {
		got, ok := cur.Streamers[k]
		switch {
		case !ok:
			d.Removed = append(d.Removed, k)
		case prev.Enabled && !got.Enabled:
			d.Disabled = append(d.Disabled, k)
		case !prev.Enabled && got.Enabled:
			d.Added = append(d.Added, k)
		}
	}
	return d
}

// Watcher detects config file changes by modification time and reconciles
// them into a fresh snapshot. A reload failure keeps the previous snapshot
// running; only the initial load is allowed to be fatal.
type Watcher struct {
	path      string
	overrides Overrides
	mtime     time.Time
	current   *File
}

// NewWatcher loads the initial configuration (creating the default file when
// absent) and remembers its modification time.
func NewWatcher(path string, ov Overrides) (*Watcher, error) {
	f, err := Load(path, ov)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, overrides: ov, current: f}
	if info, err := os.Stat(path); err == nil {
		w.mtime = info.ModTime()
	}
	return w, nil
}

// Current returns the latest good snapshot.
func (w *Watcher) Current() *File { return w.current }

// Reload checks the file's modification time and, when it moved, loads a new
// snapshot and returns the diff against the previous one. The bool reports
// whether a new snapshot was installed.
func (w *Watcher) Reload() (*File, Diff, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		// File deleted out from under us: keep running on the last snapshot.
		slog.Debug("config stat failed", slog.String("path", w.path), slog.Any("err", err))
		return w.current, Diff{}, false
	}
	if !info.ModTime().After(w.mtime) {
		return w.current, Diff{}, false
	}
	w.mtime = info.ModTime()
	f, err := Load(w.path, w.overrides)
	if err != nil {
		slog.Warn("config reload failed; keeping previous snapshot", slog.String("path", w.path), slog.Any("err", err))
		return w.current, Diff{}, false
	}
	d := diff(w.current, f)
	w.current = f
	if !d.Empty() {
		slog.Info("config reloaded",
			slog.Int("added", len(d.Added)),
			slog.Int("removed", len(d.Removed)),
			slog.Int("disabled", len(d.Disabled)))
	} else {
		slog.Info("config reloaded (settings only)")
	}
	return f, d, true
}
