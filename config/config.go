// Package config loads the roster/settings file and provides the typed views
// used across the service. The file is JSON with a "streamers" block (who to
// watch) and a "settings" block (how). A missing file is replaced with a
// documented default so the binary can run locally with minimal setup; a
// malformed file is a fatal initialization error.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/onnwee/streamwatch/stream"
)

// Streamer is one monitorable broadcaster. Tags and Notes are opaque to the
// core and only surface in summary records.
type Streamer struct {
	Username  string   `json:"username"`
	Enabled   bool     `json:"enabled"`
	SessionID string   `json:"session_id,omitempty"`
	Region    string   `json:"region,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// Settings is the settings block. Durations are stored as integer seconds to
// keep the file hand-editable; use the typed accessors in code.
type Settings struct {
	CheckIntervalSeconds    int    `json:"check_interval_seconds"`
	MaxConcurrentRecordings int    `json:"max_concurrent_recordings"`
	OutputDirectory         string `json:"output_directory"`
	SessionID               string `json:"session_id,omitempty"`
	Region                  string `json:"region,omitempty"`
	StabilityThreshold      int    `json:"stability_threshold"`
	CooldownSeconds         int    `json:"cooldown_seconds"`
	DisconnectGraceSeconds  int    `json:"disconnect_grace_seconds"`
	ProbeTimeoutSeconds     int    `json:"probe_timeout_seconds"`
	ProbeRetries            int    `json:"probe_retries"`
}

func (s Settings) CheckInterval() time.Duration { return time.Duration(s.CheckIntervalSeconds) * time.Second }
func (s Settings) Cooldown() time.Duration      { return time.Duration(s.CooldownSeconds) * time.Second }
func (s Settings) DisconnectGrace() time.Duration {
	return time.Duration(s.DisconnectGraceSeconds) * time.Second
}
func (s Settings) ProbeTimeout() time.Duration { return time.Duration(s.ProbeTimeoutSeconds) * time.Second }

// File is one loaded roster/settings document.
type File struct {
	Streamers map[string]Streamer `json:"streamers"`
	Settings  Settings            `json:"settings"`
}

// Overrides are command-line supplied values. They take precedence over the
// file on every load, including reloads.
type Overrides struct {
	SessionID     string
	Region        string
	CheckInterval time.Duration
	OutputDir     string
}

// Default returns the documented default configuration, matching what gets
// written to disk when the file is missing.
func Default() *File {
	return &File{
		Streamers: map[string]Streamer{
			"example_user1": {
				Username: "@example_user1",
				Enabled:  true,
				Tags:     []string{"research", "category1"},
				Notes:    "Example streamer for research",
			},
			"example_user2": {
				Username: "@example_user2",
				Enabled:  true,
				Tags:     []string{"research", "category2"},
				Notes:    "Another example streamer",
			},
		},
		Settings: Settings{
			CheckIntervalSeconds:    30,
			MaxConcurrentRecordings: 3,
			OutputDirectory:         "recordings",
			StabilityThreshold:      3,
			CooldownSeconds:         90,
			DisconnectGraceSeconds:  45,
			ProbeTimeoutSeconds:     10,
			ProbeRetries:            2,
		},
	}
}

// Load reads the file at path, creating it with defaults when absent, and
// applies overrides. Parse and validation failures are returned to the caller
// (fatal at startup; at reload time the watcher logs and keeps the previous
// snapshot).
func Load(path string, ov Overrides) (*File, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		f := Default()
		f.apply(ov)
		if werr := f.write(path); werr != nil {
			return nil, fmt.Errorf("create default config %s: %w", path, werr)
		}
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	f.apply(ov)
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) apply(ov Overrides) {
	if f.Streamers == nil {
		f.Streamers = map[string]Streamer{}
	}
	if ov.SessionID != "" {
		f.Settings.SessionID = ov.SessionID
	}
	if ov.Region != "" {
		f.Settings.Region = ov.Region
	}
	if ov.CheckInterval > 0 {
		f.Settings.CheckIntervalSeconds = int(ov.CheckInterval.Seconds())
	}
	if ov.OutputDir != "" {
		f.Settings.OutputDirectory = ov.OutputDir
	}
}

func (f *File) write(path string) error {
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Validate rejects settings the monitor cannot run with.
func (f *File) Validate() error {
	s := f.Settings
	switch {
	case s.CheckIntervalSeconds <= 0:
		return fmt.Errorf("check_interval_seconds must be positive, got %d", s.CheckIntervalSeconds)
	case s.MaxConcurrentRecordings <= 0:
		return fmt.Errorf("max_concurrent_recordings must be positive, got %d", s.MaxConcurrentRecordings)
	case s.StabilityThreshold <= 0:
		return fmt.Errorf("stability_threshold must be positive, got %d", s.StabilityThreshold)
	case s.CooldownSeconds < 0:
		return fmt.Errorf("cooldown_seconds must not be negative, got %d", s.CooldownSeconds)
	case s.DisconnectGraceSeconds < 0:
		return fmt.Errorf("disconnect_grace_seconds must not be negative, got %d", s.DisconnectGraceSeconds)
	case s.ProbeTimeoutSeconds <= 0:
		return fmt.Errorf("probe_timeout_seconds must be positive, got %d", s.ProbeTimeoutSeconds)
	case s.ProbeRetries < 0:
		return fmt.Errorf("probe_retries must not be negative, got %d", s.ProbeRetries)
	case s.OutputDirectory == "":
		return fmt.Errorf("output_directory must not be empty")
	}
	return nil
}

// Enabled returns the keys of enabled streamers, sorted for stable iteration.
func (f *File) Enabled() []string {
	keys := make([]string, 0, len(f.Streamers))
	for k, s := range f.Streamers {
		if s.Enabled {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Target resolves the probe/connect target for a streamer key. Per-streamer
// credential and region win over the settings defaults (which themselves may
// have been replaced by command-line overrides).
func (f *File) Target(key string) stream.Target {
	s := f.Streamers[key]
	t := stream.Target{Login: s.Username, SessionID: s.SessionID, Region: s.Region}
	if t.Login == "" {
		t.Login = "@" + key
	}
	if t.SessionID == "" {
		t.SessionID = f.Settings.SessionID
	}
	if t.Region == "" {
		t.Region = f.Settings.Region
	}
	return t
}
