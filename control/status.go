package control

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Status is the snapshot written to the status file each cycle.
type Status struct {
	Timestamp          time.Time `json:"timestamp"`
	State              string    `json:"state"` // monitoring | paused | stopping
	ActiveCount        int       `json:"active_count"`
	ActiveSessions     []string  `json:"active_sessions"`
	PendingDisconnects int       `json:"pending_disconnects"`
	PID                int       `json:"pid"`
}

// WriteStatus overwrites the status file atomically (temp file + rename) so a
// reader never sees a torn snapshot.
func WriteStatus(path string, st Status) error {
	if st.ActiveSessions == nil {
		st.ActiveSessions = []string{}
	}
	sort.Strings(st.ActiveSessions)
	st.PID = os.Getpid()

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write status %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("install status %s: %w", path, err)
	}
	return nil
}
