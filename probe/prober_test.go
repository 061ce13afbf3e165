package probe

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamwatch/stream"
	"github.com/onnwee/streamwatch/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

// scriptedChecker returns its answers in order, then repeats the last one.
type scriptedChecker struct {
	mu      sync.Mutex
	answers []struct {
		live bool
		err  error
	}
	calls int
}

func (c *scriptedChecker) script(live bool, err error) *scriptedChecker {
	c.answers = append(c.answers, struct {
		live bool
		err  error
	}{live, err})
	return c
}

func (c *scriptedChecker) IsLive(_ context.Context, _ stream.Target) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	if i >= len(c.answers) {
		i = len(c.answers) - 1
	}
	c.calls++
	a := c.answers[i]
	return a.live, a.err
}

func (c *scriptedChecker) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCheckRetriesOnlyOnError(t *testing.T) {
	// A clean "not live" is authoritative: no retry even with budget left.
	clean := (&scriptedChecker{}).script(false, nil)
	p := &Prober{Checker: clean, Retries: 3, Backoff: time.Millisecond}
	if p.Check(context.Background(), stream.Target{Login: "a"}) {
		t.Fatal("clean offline answer reported as live")
	}
	if n := clean.callCount(); n != 1 {
		t.Fatalf("clean offline answer was retried: %d calls", n)
	}

	// An error retries and a later success wins.
	flaky := (&scriptedChecker{}).
		script(false, errors.New("transport reset")).
		script(true, nil)
	p = &Prober{Checker: flaky, Retries: 3, Backoff: time.Millisecond}
	if !p.Check(context.Background(), stream.Target{Login: "b"}) {
		t.Fatal("expected live after retry recovered")
	}
	if n := flaky.callCount(); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestCheckCollapsesExhaustedRetriesToOffline(t *testing.T) {
	failing := (&scriptedChecker{}).script(false, errors.New("boom"))
	p := &Prober{Checker: failing, Retries: 2, Backoff: time.Millisecond}
	if p.Check(context.Background(), stream.Target{Login: "c"}) {
		t.Fatal("exhausted retries should report offline")
	}
	if n := failing.callCount(); n != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", n)
	}
}

// stallChecker ignores its context and never answers.
type stallChecker struct{}

func (stallChecker) IsLive(_ context.Context, _ stream.Target) (bool, error) {
	select {}
}

func TestCheckAbandonsStalledAttempt(t *testing.T) {
	p := &Prober{Checker: stallChecker{}, Timeout: 50 * time.Millisecond}
	done := make(chan bool, 1)
	go func() {
		done <- p.Check(context.Background(), stream.Target{Login: "d"})
	}()
	select {
	case live := <-done:
		if live {
			t.Fatal("stalled probe reported live")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Check did not return after the attempt timeout")
	}
}

// keyedChecker reports a fixed set of logins live and stalls on one.
type keyedChecker struct {
	live  map[string]bool
	stall string
}

func (c keyedChecker) Check(ctx context.Context, t stream.Target) bool {
	if t.Login == c.stall {
		<-ctx.Done()
		return false
	}
	return c.live[t.Login]
}

func TestPollSnapshotIsComplete(t *testing.T) {
	targets := map[string]stream.Target{
		"alice": {Login: "alice"},
		"bob":   {Login: "bob"},
		"slow":  {Login: "slow"},
	}
	e := &Engine{
		Checker:  keyedChecker{live: map[string]bool{"alice": true}, stall: "slow"},
		Deadline: 100 * time.Millisecond,
	}
	snap := e.Poll(context.Background(), targets)
	if len(snap) != len(targets) {
		t.Fatalf("snapshot has %d keys, want %d", len(snap), len(targets))
	}
	if !snap["alice"] {
		t.Fatal("alice should be live")
	}
	if snap["bob"] {
		t.Fatal("bob should be offline")
	}
	if live, ok := snap["slow"]; !ok || live {
		t.Fatalf("stalled target = (%v, %v), want present and offline", live, ok)
	}
}

func TestPollEmptyRoster(t *testing.T) {
	e := &Engine{Checker: keyedChecker{}}
	snap := e.Poll(context.Background(), nil)
	if len(snap) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snap)
	}
}
