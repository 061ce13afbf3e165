package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/streamwatch/telemetry"
)

// pendingDisconnect is the ephemeral record between "disconnect observed" and
// "confirmed or cancelled". At most one exists per streamer.
type pendingDisconnect struct {
	since  time.Time
	cancel context.CancelFunc
}

// noteDisconnect handles an unexpected disconnect from an active session. The
// session is not stopped yet: broadcasts drop and recover all the time, so
// termination is deferred for the grace period and then confirmed with a
// fresh probe. A second disconnect while one confirmation is pending is a
// no-op.
func (o *Orchestrator) noteDisconnect(s *Session) {
	o.mu.Lock()
	if cur, ok := o.sessions[s.Key]; !ok || cur != s || s.stopping {
		o.mu.Unlock()
		return
	}
	if _, exists := o.pending[s.Key]; exists {
		o.mu.Unlock()
		slog.Debug("disconnect already pending", slog.String("streamer", s.Key))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.pending[s.Key] = &pendingDisconnect{since: o.now(), cancel: cancel}
	grace := o.Grace
	o.mu.Unlock()
	telemetry.SetPendingDisconnects(o.PendingCount())

	slog.Info("stream disconnected; deferring termination",
		slog.String("streamer", s.Key),
		slog.Duration("grace", grace))
	go o.confirmDisconnect(ctx, s, grace)
}

// confirmDisconnect waits out the grace period, then re-probes. Still offline
// means the drop was real and the session stops with reason "disconnect
// confirmed"; live again means the client recovered (or will) and the pending
// record is simply cleared.
func (o *Orchestrator) confirmDisconnect(ctx context.Context, s *Session, grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	live := false
	if o.Prober != nil {
		pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		live = o.Prober.Check(pctx, s.Target)
		cancel()
	}
	if !o.clearPending(s.Key) {
		// Cancelled while we were probing; someone else owns the outcome.
		return
	}
	if live {
		slog.Info("streamer live again after disconnect; keeping session", slog.String("streamer", s.Key))
		return
	}
	_ = o.Stop(context.Background(), s.Key, ReasonDisconnectConfirmed)
}

// cancelPending explicitly cancels a pending confirmation made moot by a
// reconnect, an authoritative end, or another stop. Explicit cancellation
// (not just ignoring the timer) is what prevents duplicate terminations.
func (o *Orchestrator) cancelPending(key, why string) {
	o.mu.Lock()
	p, ok := o.pending[key]
	if ok {
		delete(o.pending, key)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	telemetry.SetPendingDisconnects(o.PendingCount())
	slog.Debug("pending disconnect cancelled", slog.String("streamer", key), slog.String("why", why))
}

// clearPending removes the record without cancelling (the timer already
// fired). Returns false if it was cancelled in the meantime.
func (o *Orchestrator) clearPending(key string) bool {
	o.mu.Lock()
	_, ok := o.pending[key]
	if ok {
		delete(o.pending, key)
	}
	o.mu.Unlock()
	if ok {
		telemetry.SetPendingDisconnects(o.PendingCount())
	}
	return ok
}

// CancelAllPending cancels every pending confirmation, used at shutdown.
func (o *Orchestrator) CancelAllPending() {
	o.mu.Lock()
	pendings := make(map[string]*pendingDisconnect, len(o.pending))
	for k, p := range o.pending {
		pendings[k] = p
		delete(o.pending, k)
	}
	o.mu.Unlock()
	for k, p := range pendings {
		p.cancel()
		slog.Debug("pending disconnect cancelled", slog.String("streamer", k), slog.String("why", ReasonShutdown))
	}
	telemetry.SetPendingDisconnects(0)
}
