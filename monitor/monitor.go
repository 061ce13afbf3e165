// Package monitor runs the control loop: once per cycle it checks the
// operator sentinels, reconciles configuration changes, polls the enabled
// roster for liveness, feeds the stability tracker, and starts recording
// sessions for streamers confirmed live. Stopping sessions is not this loop's
// job: termination is event driven through the recorder (authoritative end,
// confirmed disconnect, config removal, shutdown).
package monitor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/config"
	"github.com/onnwee/streamwatch/control"
	"github.com/onnwee/streamwatch/probe"
	"github.com/onnwee/streamwatch/recorder"
	"github.com/onnwee/streamwatch/stability"
	"github.com/onnwee/streamwatch/sink"
	"github.com/onnwee/streamwatch/stream"
	"github.com/onnwee/streamwatch/telemetry"
)

const minInterval = 5 * time.Second

// proberHolder lets the loop swap in a rebuilt prober after a config reload
// while grace-period goroutines keep calling through it.
type proberHolder struct {
	mu sync.RWMutex
	p  *probe.Prober
}

func (h *proberHolder) Check(ctx context.Context, t stream.Target) bool {
	h.mu.RLock()
	p := h.p
	h.mu.RUnlock()
	return p.Check(ctx, t)
}

func (h *proberHolder) set(p *probe.Prober) {
	h.mu.Lock()
	h.p = p
	h.mu.Unlock()
}

func (h *proberHolder) checker() stream.Prober {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.p.Checker
}

// Monitor is the assembled system.
type Monitor struct {
	watcher   *config.Watcher
	holder    *proberHolder
	engine    *probe.Engine
	tracker   *stability.Tracker
	orch      *recorder.Orchestrator
	sentinels *control.Sentinels
	status    string // status file path; empty disables

	cycles int
}

// Options carries the collaborators and paths New needs.
type Options struct {
	Watcher    *config.Watcher
	Checker    stream.Prober
	Dialer     stream.Dialer
	Summary    sink.SummaryWriter
	CommentTee func(key string) sink.EventSink // optional comment archive
	ControlDir string
	StatusPath string
}

// New wires the monitor from the current configuration snapshot.
func New(opts Options) *Monitor {
	s := opts.Watcher.Current().Settings
	holder := &proberHolder{}
	holder.set(&probe.Prober{Checker: opts.Checker, Timeout: s.ProbeTimeout(), Retries: s.ProbeRetries})
	tracker := &stability.Tracker{Threshold: s.StabilityThreshold, Cooldown: s.Cooldown()}
	orch := recorder.NewOrchestrator(opts.Dialer, holder, opts.Summary, s.MaxConcurrentRecordings, s.DisconnectGrace())
	orch.CommentTee = opts.CommentTee
	return &Monitor{
		watcher:   opts.Watcher,
		holder:    holder,
		engine:    &probe.Engine{Checker: holder},
		tracker:   tracker,
		orch:      orch,
		sentinels: &control.Sentinels{Dir: opts.ControlDir},
		status:    opts.StatusPath,
	}
}

// Orchestrator exposes the session manager for the status endpoint.
func (m *Monitor) Orchestrator() *recorder.Orchestrator { return m.orch }

// Run drives poll cycles until the context is cancelled or a stop sentinel is
// observed, then drains: every session stopped, every pending confirmation
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	cfg := m.watcher.Current()
	slog.Info("monitor started",
		slog.Int("streamers", len(cfg.Enabled())),
		slog.Duration("interval", cfg.Settings.CheckInterval()))

	for {
		if reason, ok := m.sentinels.CheckStop(); ok {
			slog.Info("stop sentinel observed", slog.String("reason", reason))
			m.drain(ctx, reason)
			return nil
		}
		if d, ok := m.sentinels.CheckPause(); ok {
			m.pause(ctx, d)
			continue
		}

		cfg = m.reconcile(ctx)
		elapsed := telemetry.TimeFunc(telemetry.PollCycleDuration, func() {
			m.cycle(ctx, cfg)
		})
		telemetry.PollCycles.Inc()

		m.writeStatus("monitoring")

		interval := cfg.Settings.CheckInterval()
		if elapsed > interval*8/10 {
			slog.Warn("poll cycle running long",
				slog.Duration("elapsed", elapsed),
				slog.Duration("interval", interval))
		}
		sleep := interval - elapsed
		if sleep < minInterval {
			sleep = minInterval
		}
		select {
		case <-ctx.Done():
			m.drain(ctx, recorder.ReasonShutdown)
			return nil
		case <-time.After(sleep):
		}
	}
}

// reconcile applies any config file change: stops sessions for streamers that
// left the roster or were disabled, drops their stability state, and updates
// the tunables. Unrelated active sessions are untouched.
func (m *Monitor) reconcile(ctx context.Context) *config.File {
	cfg, diff, changed := m.watcher.Reload()
	if !changed {
		return cfg
	}
	for _, key := range diff.Gone() {
		if m.orch.Active(key) {
			if err := m.orch.Stop(ctx, key, recorder.ReasonRemovedFromConfig); err != nil {
				slog.Warn("stop after config removal failed", slog.String("streamer", key), slog.Any("err", err))
			}
		}
	}
	for _, key := range diff.Removed {
		m.tracker.Forget(key)
	}
	s := cfg.Settings
	m.holder.set(&probe.Prober{Checker: m.holder.checker(), Timeout: s.ProbeTimeout(), Retries: s.ProbeRetries})
	m.tracker.Threshold = s.StabilityThreshold
	m.tracker.Cooldown = s.Cooldown()
	m.orch.SetLimits(s.MaxConcurrentRecordings, s.DisconnectGrace())
	return cfg
}

// cycle runs one poll over the enabled roster and acts on confirmed-live
// transitions. Polled offline results are telemetry only.
func (m *Monitor) cycle(ctx context.Context, cfg *config.File) {
	m.cycles++
	enabled := cfg.Enabled()
	telemetry.RosterSizeGauge.Set(float64(len(enabled)))
	if len(enabled) == 0 {
		return
	}

	cctx, span := telemetry.StartSpan(ctx, "monitor", "poll-cycle")
	defer span.End()

	targets := make(map[string]stream.Target, len(enabled))
	for _, key := range enabled {
		targets[key] = cfg.Target(key)
	}
	snapshot := m.engine.Poll(cctx, targets)

	var newlyLive []string
	for key, live := range snapshot {
		confirmed := m.tracker.Observe(key, live, m.orch.Active(key))
		if confirmed {
			newlyLive = append(newlyLive, key)
		} else if !live && m.orch.Active(key) {
			// Expected while live: status endpoints flap. The session stays;
			// only the client's own signals end it.
			slog.Debug("polled offline while recording", slog.String("streamer", key))
		}
	}

	for _, key := range newlyLive {
		slog.Info("streamer confirmed live", slog.String("streamer", key))
		req := recorder.StartRequest{
			Key:       key,
			Target:    cfg.Target(key),
			Tags:      cfg.Streamers[key].Tags,
			Notes:     cfg.Streamers[key].Notes,
			OutputDir: cfg.Settings.OutputDirectory,
		}
		// Session bring-up dials the network; keep the loop responsive.
		go func() {
			_ = m.orch.Start(cctx, req)
		}()
	}

	if m.cycles%5 == 0 || len(newlyLive) > 0 {
		if active := m.orch.ActiveKeys(); len(active) > 0 {
			slog.Info("currently recording", slog.String("streamers", strings.Join(active, ", ")))
		} else {
			slog.Info("no streamers currently live")
		}
	}
}

// pause suspends polling for d. Active sessions keep receiving events through
// their own client connections the whole time.
func (m *Monitor) pause(ctx context.Context, d time.Duration) {
	slog.Info("pause sentinel observed; polling suspended", slog.Duration("for", d))
	telemetry.SetPaused(true)
	defer telemetry.SetPaused(false)
	m.writeStatus("paused")
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (m *Monitor) drain(ctx context.Context, reason string) {
	m.writeStatus("stopping")
	m.orch.CancelAllPending()
	m.orch.StopAll(ctx, reason)
	m.writeStatus("stopped")
	slog.Info("monitor drained", slog.String("reason", reason))
}

func (m *Monitor) writeStatus(state string) {
	if m.status == "" {
		return
	}
	st := control.Status{
		Timestamp:          time.Now().UTC(),
		State:              state,
		ActiveSessions:     m.orch.ActiveKeys(),
		PendingDisconnects: m.orch.PendingCount(),
	}
	st.ActiveCount = len(st.ActiveSessions)
	if err := control.WriteStatus(m.status, st); err != nil {
		slog.Warn("status file write failed", slog.String("path", m.status), slog.Any("err", err))
	}
}
