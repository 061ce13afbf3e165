package probe

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/streamwatch/stream"
)

// Checker is the single-target check the engine fans out. Satisfied by
// *Prober; tests substitute their own.
type Checker interface {
	Check(ctx context.Context, t stream.Target) bool
}

// Engine polls the whole roster concurrently under a global deadline. Every
// key in the input appears in the result: a probe that misses the deadline is
// reported offline, never omitted, and one target's slowness or failure never
// cancels or delays another's result.
type Engine struct {
	Checker  Checker
	Deadline time.Duration // whole-cycle bound; default 30s
}

func (e *Engine) deadline() time.Duration {
	if e.Deadline > 0 {
		return e.Deadline
	}
	return defaultDeadline
}

// Poll runs one probe per target and returns the per-key liveness snapshot.
func (e *Engine) Poll(ctx context.Context, targets map[string]stream.Target) map[string]bool {
	keys := make([]string, 0, len(targets))
	for k := range targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pctx, cancel := context.WithTimeout(ctx, e.deadline())
	defer cancel()

	results := make([]bool, len(keys))
	var g errgroup.Group
	for i, k := range keys {
		g.Go(func() error {
			results[i] = e.Checker.Check(pctx, targets[k])
			return nil
		})
	}
	// Check never returns an error and is itself deadline-bounded, so Wait
	// returns shortly after pctx expires in the worst case.
	_ = g.Wait()

	snapshot := make(map[string]bool, len(keys))
	for i, k := range keys {
		snapshot[k] = results[i]
	}
	return snapshot
}
