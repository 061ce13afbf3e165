package recorder

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/streamwatch/sink"
	"github.com/onnwee/streamwatch/stream"
	"github.com/onnwee/streamwatch/telemetry"
)

// Session is one active capture: the connected client, its media capture, the
// per-kind sinks, and the per-kind counters. The recording flag is the fence:
// it flips false as the first step of stop, and every sink write checks it,
// so late-arriving events cannot touch a sink mid-teardown.
type Session struct {
	Key       string
	Login     string
	StartedAt time.Time
	Target    stream.Target
	Tags      []string
	Notes     string

	client      stream.Client
	capture     stream.Capture
	sinks       map[stream.Kind]sink.EventSink
	capturePath string

	recording atomic.Bool
	stopping  bool // guarded by the orchestrator's mutex

	mu     sync.Mutex
	counts map[stream.Kind]int
}

func newSession(req StartRequest, startedAt time.Time) *Session {
	return &Session{
		Key:       req.Key,
		Login:     loginName(req.Target.Login, req.Key),
		StartedAt: startedAt,
		Target:    req.Target,
		Tags:      req.Tags,
		Notes:     req.Notes,
		counts:    make(map[stream.Kind]int, len(stream.CapturedKinds)),
	}
}

// loginName strips the display prefix so file names stay shell-friendly.
func loginName(login, fallback string) string {
	if login == "" {
		return fallback
	}
	if login[0] == '@' {
		return login[1:]
	}
	return login
}

// handle routes one captured event: count, then write to the kind's sink.
// Called only from the session's event pump, so counts see ordered updates;
// the fence is still re-checked before the write because stop runs on another
// goroutine.
func (s *Session) handle(ev stream.Event, now time.Time) {
	row, ok := sink.Row(ev, now)
	if !ok {
		return
	}
	if !s.recording.Load() {
		return
	}
	kind := ev.Kind()
	s.mu.Lock()
	s.counts[kind]++
	s.mu.Unlock()
	telemetry.CountEvent(string(kind))

	if err := s.sinks[kind].Write(row); err != nil {
		if s.recording.Load() {
			// A single bad write does not tear the session down.
			slog.Error("event write failed",
				slog.String("streamer", s.Key),
				slog.String("kind", string(kind)),
				slog.Any("err", err))
		}
		// During teardown this is expected noise; stay quiet.
	}
}

// Counts returns a snapshot of the per-kind counters.
func (s *Session) Counts() map[stream.Kind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[stream.Kind]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// CapturePath returns the media file path for this session.
func (s *Session) CapturePath() string { return s.capturePath }

// closeSinks closes every sink and returns the first error. The sinks map is
// left in place: the event pump may still be reading it, and a closed sink
// answers a late write with an error rather than a panic.
func (s *Session) closeSinks() error {
	var first error
	for kind, sk := range s.sinks {
		if err := sk.Close(); err != nil && first == nil {
			first = err
			slog.Warn("sink close failed", slog.String("streamer", s.Key), slog.String("kind", string(kind)), slog.Any("err", err))
		}
	}
	return first
}
