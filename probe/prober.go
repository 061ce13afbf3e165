// Package probe turns the platform's noisy liveness check into the complete,
// bounded per-cycle snapshots the monitor loop consumes. A Prober bounds and
// retries one check; an Engine fans the prober out over the whole roster.
package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/streamwatch/stream"
	"github.com/onnwee/streamwatch/telemetry"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultBackoff  = time.Second
	defaultDeadline = 30 * time.Second
)

// Prober answers "is this target live" with a per-attempt timeout and bounded
// retry with progressive backoff. Every failure mode (timeout, transport
// error, malformed response) collapses to offline once retries are exhausted;
// callers never see an error or an "unknown".
type Prober struct {
	Checker stream.Prober
	Timeout time.Duration // per attempt; default 10s
	Retries int           // additional attempts after the first
	Backoff time.Duration // base; attempt n waits n*Backoff; default 1s
}

func (p *Prober) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return defaultTimeout
}

func (p *Prober) backoff() time.Duration {
	if p.Backoff > 0 {
		return p.Backoff
	}
	return defaultBackoff
}

// Check reports whether the target is live. A clean "not live" answer is
// authoritative and returned immediately; only errors are retried.
func (p *Prober) Check(ctx context.Context, t stream.Target) bool {
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Duration(attempt) * p.backoff()):
			}
		}
		live, err := p.attempt(ctx, t)
		if err == nil {
			return live
		}
		telemetry.ProbeFailures.Inc()
		slog.Debug("probe attempt failed",
			slog.String("login", t.Login),
			slog.Int("attempt", attempt+1),
			slog.Any("err", err))
	}
	return false
}

// attempt runs one bounded check. The checker call runs in its own goroutine
// so a collaborator that ignores its context can still be abandoned at the
// deadline; the orphaned call finishes (or leaks its request) on its own.
func (p *Prober) attempt(ctx context.Context, t stream.Target) (bool, error) {
	actx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	type answer struct {
		live bool
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		live, err := p.Checker.IsLive(actx, t)
		ch <- answer{live, err}
	}()
	select {
	case a := <-ch:
		return a.live, a.err
	case <-actx.Done():
		return false, actx.Err()
	}
}
