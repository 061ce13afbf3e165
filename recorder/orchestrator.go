// Package recorder manages the lifecycle of recording sessions: admission
// under a concurrency cap, sink and capture setup with rollback, event
// routing, idempotent teardown, and the disconnect-confirmation grace path.
//
// Termination is event driven. A confirmed-live signal starts a session; only
// the protocol client's authoritative end-of-broadcast event, a confirmed
// disconnect after the grace period, a config removal, or shutdown stops one.
// Polled offline results never stop a session.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamwatch/sink"
	"github.com/onnwee/streamwatch/stream"
	"github.com/onnwee/streamwatch/telemetry"
)

// Stop reasons used across the system.
const (
	ReasonOfficialEnd         = "official end"
	ReasonDisconnectConfirmed = "disconnect confirmed"
	ReasonRemovedFromConfig   = "removed from configuration"
	ReasonShutdown            = "shutdown"
)

var (
	// ErrSessionExists rejects a duplicate start for a streamer.
	ErrSessionExists = errors.New("session already active")
	// ErrCapacity rejects a start past the concurrency cap.
	ErrCapacity = errors.New("max concurrent recordings reached")
)

// Prober re-checks liveness when a disconnect grace period fires. Satisfied
// by *probe.Prober.
type Prober interface {
	Check(ctx context.Context, t stream.Target) bool
}

// StartRequest carries everything admission needs for one streamer.
type StartRequest struct {
	Key       string
	Target    stream.Target
	Tags      []string
	Notes     string
	OutputDir string
}

// Orchestrator owns the active-session map and the pending-disconnect map.
// The concurrency cap is checked and the slot reserved atomically under mu;
// no other actor mutates session accounting.
type Orchestrator struct {
	Dialer  stream.Dialer
	Prober  Prober
	Summary sink.SummaryWriter

	// CommentTee, when set, returns an extra sink that receives a copy of
	// every comment record for the keyed streamer (the Postgres archive).
	CommentTee func(key string) sink.EventSink

	Grace          time.Duration // disconnect confirmation grace period
	DisconnectWait time.Duration // bound on client disconnect during stop; default 5s
	Now            func() time.Time

	mu       sync.Mutex
	cap      int
	sessions map[string]*Session
	pending  map[string]*pendingDisconnect
}

// NewOrchestrator returns an orchestrator admitting at most cap concurrent
// sessions.
func NewOrchestrator(dialer stream.Dialer, prober Prober, summary sink.SummaryWriter, cap int, grace time.Duration) *Orchestrator {
	return &Orchestrator{
		Dialer:   dialer,
		Prober:   prober,
		Summary:  summary,
		Grace:    grace,
		cap:      cap,
		sessions: make(map[string]*Session),
		pending:  make(map[string]*pendingDisconnect),
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// SetLimits applies reloaded settings without disturbing active sessions.
func (o *Orchestrator) SetLimits(cap int, grace time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cap = cap
	o.Grace = grace
}

// Active reports whether the streamer has a session.
func (o *Orchestrator) Active(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.sessions[key]
	return ok
}

// ActiveKeys returns the streamers with active sessions.
func (o *Orchestrator) ActiveKeys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.sessions))
	for k := range o.sessions {
		keys = append(keys, k)
	}
	return keys
}

// PendingCount returns the number of pending disconnect confirmations.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Start admits and brings up a session. Rejections (duplicate, cap) and setup
// failures are logged to the summary sink; setup failures roll back whatever
// was opened. Admission failures are not retried here; the streamer gets
// another chance at its next confirmed-live signal.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) error {
	startedAt := o.now()

	o.mu.Lock()
	if _, ok := o.sessions[req.Key]; ok {
		o.mu.Unlock()
		slog.Warn("already recording", slog.String("streamer", req.Key))
		return ErrSessionExists
	}
	if len(o.sessions) >= o.cap {
		limit := o.cap
		o.mu.Unlock()
		telemetry.AdmissionRejected.Inc()
		slog.Warn("max concurrent recordings reached; skipping",
			slog.String("streamer", req.Key), slog.Int("cap", limit))
		o.appendSummary(sink.Summary{
			At: startedAt, Streamer: req.Key,
			Action: "recording_attempt", Status: "failed",
			Tags: req.Tags, Notes: req.Notes,
			Err: ErrCapacity.Error(),
		})
		return ErrCapacity
	}
	// Reserve the slot before the slow setup work so concurrent admissions
	// see the cap correctly.
	s := newSession(req, startedAt)
	o.sessions[req.Key] = s
	o.mu.Unlock()
	telemetry.SetActiveSessions(len(o.ActiveKeys()))

	sctx, span := telemetry.StartSpan(ctx, "recorder", "session-start",
		attribute.String("streamer", req.Key))
	err := o.bringUp(sctx, s, req)
	telemetry.RecordError(span, err)
	span.End()
	if err != nil {
		o.mu.Lock()
		delete(o.sessions, req.Key)
		o.mu.Unlock()
		telemetry.SetActiveSessions(len(o.ActiveKeys()))
		slog.Error("failed to start recording", slog.String("streamer", req.Key), slog.Any("err", err))
		o.appendSummary(sink.Summary{
			At: startedAt, Streamer: req.Key,
			Action: "recording_started", Status: "failed",
			Tags: req.Tags, Notes: req.Notes,
			Err: err.Error(),
		})
		return err
	}

	telemetry.SessionsStarted.Inc()
	slog.Info("recording started",
		slog.String("streamer", req.Key),
		slog.String("capture", s.capturePath))
	o.appendSummary(sink.Summary{
		At: startedAt, Streamer: req.Key,
		Action: "recording_started", Status: "success",
		Tags: req.Tags, Notes: req.Notes,
	})
	return nil
}

// bringUp opens sinks, connects the client, and starts capture, undoing
// earlier steps when a later one fails.
func (o *Orchestrator) bringUp(ctx context.Context, s *Session, req StartRequest) error {
	sinks, err := sink.OpenSessionSinks(req.OutputDir, s.Login, s.StartedAt)
	if err != nil {
		return fmt.Errorf("open sinks: %w", err)
	}
	if o.CommentTee != nil {
		if tee := o.CommentTee(s.Key); tee != nil {
			sinks[stream.KindComment] = sink.MultiEvent{sinks[stream.KindComment], tee}
		}
	}
	s.sinks = sinks

	client, capture, err := o.Dialer.Dial(req.Target)
	if err != nil {
		_ = s.closeSinks()
		return fmt.Errorf("dial: %w", err)
	}
	s.client, s.capture = client, capture

	if err := client.Connect(ctx); err != nil {
		_ = s.closeSinks()
		return fmt.Errorf("connect: %w", err)
	}

	s.capturePath = sink.CapturePath(req.OutputDir, s.Login, s.StartedAt)
	if err := capture.Start(s.capturePath); err != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.disconnectWait())
		if derr := client.Disconnect(dctx); derr != nil {
			slog.Warn("disconnect after failed capture start", slog.String("streamer", s.Key), slog.Any("err", derr))
		}
		cancel()
		_ = s.closeSinks()
		return fmt.Errorf("start capture: %w", err)
	}

	s.recording.Store(true)
	go o.pump(s)
	return nil
}

// pump drains the client's event channel for one session, routing lifecycle
// events to the orchestrator and captured events into the session. Exits when
// the client closes the channel.
func (o *Orchestrator) pump(s *Session) {
	for ev := range s.client.Events() {
		switch ev.(type) {
		case stream.Connect:
			slog.Info("connected to stream", slog.String("streamer", s.Key))
			o.cancelPending(s.Key, "reconnected")
		case stream.Ended:
			slog.Info("stream ended", slog.String("streamer", s.Key))
			o.cancelPending(s.Key, ReasonOfficialEnd)
			_ = o.Stop(context.Background(), s.Key, ReasonOfficialEnd)
		case stream.Disconnect:
			o.noteDisconnect(s)
		default:
			s.handle(ev, o.now())
		}
	}
}

func (o *Orchestrator) disconnectWait() time.Duration {
	if o.DisconnectWait > 0 {
		return o.DisconnectWait
	}
	return 5 * time.Second
}

// Stop tears a session down: fence first, then capture, client, sinks, and
// finally the summary record. Idempotent: a second stop for the same streamer
// is a warn no-op. The session leaves the active map no matter which teardown
// steps fail, so the cap and the status file never count a phantom session.
func (o *Orchestrator) Stop(ctx context.Context, key, reason string) error {
	o.mu.Lock()
	s, ok := o.sessions[key]
	if !ok || s.stopping {
		o.mu.Unlock()
		slog.Warn("no active recording to stop", slog.String("streamer", key), slog.String("reason", reason))
		return nil
	}
	s.stopping = true
	o.mu.Unlock()

	o.cancelPending(key, "session stopping")

	// Fence: no sink write happens after this flips.
	s.recording.Store(false)

	var firstErr error
	if s.capture != nil && s.capture.Recording() {
		if err := s.capture.Stop(); err != nil {
			firstErr = err
			slog.Warn("capture stop failed", slog.String("streamer", key), slog.Any("err", err))
		}
	}
	if s.client != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.disconnectWait())
		if err := s.client.Disconnect(dctx); err != nil && firstErr == nil {
			firstErr = err
			slog.Warn("client disconnect failed", slog.String("streamer", key), slog.Any("err", err))
		}
		cancel()
	}
	if err := s.closeSinks(); err != nil && firstErr == nil {
		firstErr = err
	}

	now := o.now()
	duration := now.Sub(s.StartedAt)
	counts := s.Counts()

	o.mu.Lock()
	delete(o.sessions, key)
	o.mu.Unlock()
	telemetry.SetActiveSessions(len(o.ActiveKeys()))
	telemetry.SessionsStopped.Inc()

	summary := sink.Summary{
		At: now, Streamer: key,
		Action: "recording_stopped_" + reason, Status: "success",
		Duration: duration, Counts: counts,
		Tags: s.Tags, Notes: s.Notes,
	}
	if firstErr != nil {
		summary.Status = "failed"
		summary.Err = firstErr.Error()
	}
	o.appendSummary(summary)

	slog.Info("recording stopped",
		slog.String("streamer", key),
		slog.String("reason", reason),
		slog.Duration("duration", duration.Round(time.Second)),
		slog.Any("counts", counts))
	return firstErr
}

// StopAll stops every active session, used for shutdown and drain.
func (o *Orchestrator) StopAll(ctx context.Context, reason string) {
	for _, key := range o.ActiveKeys() {
		if err := o.Stop(ctx, key, reason); err != nil {
			slog.Warn("stop during drain failed", slog.String("streamer", key), slog.Any("err", err))
		}
	}
}

func (o *Orchestrator) appendSummary(s sink.Summary) {
	if o.Summary == nil {
		return
	}
	if err := o.Summary.Append(s); err != nil {
		slog.Error("summary append failed", slog.String("streamer", s.Streamer), slog.Any("err", err))
	}
}
