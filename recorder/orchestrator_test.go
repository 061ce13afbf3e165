package recorder

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamwatch/sink"
	"github.com/onnwee/streamwatch/stream"
	"github.com/onnwee/streamwatch/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type fakeClient struct {
	mu          sync.Mutex
	events      chan stream.Event
	connectErr  error
	disconnects int
	closed      bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan stream.Event, 16)}
}

func (c *fakeClient) Connect(_ context.Context) error { return c.connectErr }

func (c *fakeClient) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeClient) Events() <-chan stream.Event { return c.events }

func (c *fakeClient) emit(ev stream.Event) { c.events <- ev }

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

type fakeCapture struct {
	mu        sync.Mutex
	recording bool
	startErr  error
	stopErr   error
	stops     int
}

func (c *fakeCapture) Start(_ string) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.mu.Lock()
	c.recording = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.recording = false
	return c.stopErr
}

func (c *fakeCapture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *fakeCapture) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

type fakeDialer struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	caps    map[string]*fakeCapture
	err     error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{clients: map[string]*fakeClient{}, caps: map[string]*fakeCapture{}}
}

func (d *fakeDialer) Dial(t stream.Target) (stream.Client, stream.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, nil, d.err
	}
	c := newFakeClient()
	cap := &fakeCapture{}
	key := strings.TrimPrefix(t.Login, "@")
	d.clients[key] = c
	d.caps[key] = cap
	return c, cap, nil
}

func (d *fakeDialer) client(login string) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[login]
}

func (d *fakeDialer) capture(login string) *fakeCapture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps[login]
}

type fakeProber struct {
	mu   sync.Mutex
	live bool
}

func (p *fakeProber) Check(_ context.Context, _ stream.Target) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

type memSummary struct {
	mu      sync.Mutex
	records []sink.Summary
}

func (m *memSummary) Append(s sink.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, s)
	return nil
}

func (m *memSummary) byAction(action string) []sink.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sink.Summary
	for _, r := range m.records {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func request(key, dir string) StartRequest {
	return StartRequest{
		Key:       key,
		Target:    stream.Target{Login: "@" + key},
		Tags:      []string{"test"},
		OutputDir: dir,
	}
}

func TestStartAndOfficialEnd(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	sum := &memSummary{}
	o := NewOrchestrator(dialer, &fakeProber{live: true}, sum, 3, time.Second)

	if err := o.Start(context.Background(), request("alice", dir)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !o.Active("alice") {
		t.Fatal("session not active after start")
	}

	client := dialer.client("alice")
	client.emit(stream.Comment{User: stream.User{ID: "1", Nickname: "v"}, Text: "hi"})
	client.emit(stream.Like{User: stream.User{ID: "1"}, Count: 3, Total: 3})
	client.emit(stream.Ended{})

	waitFor(t, "session to stop on official end", func() bool { return !o.Active("alice") })

	stops := sum.byAction("recording_stopped_" + ReasonOfficialEnd)
	if len(stops) != 1 {
		t.Fatalf("expected one stop summary, got %d", len(stops))
	}
	if stops[0].Counts[stream.KindComment] != 1 || stops[0].Counts[stream.KindLike] != 1 {
		t.Fatalf("stop summary counts = %v", stops[0].Counts)
	}
	if n := dialer.capture("alice").stopCount(); n != 1 {
		t.Fatalf("capture stopped %d times, want 1", n)
	}
	starts := sum.byAction("recording_started")
	if len(starts) != 1 || starts[0].Status != "success" {
		t.Fatalf("start summaries = %v", starts)
	}
}

func TestStartRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	o := NewOrchestrator(dialer, nil, &memSummary{}, 3, time.Second)

	if err := o.Start(context.Background(), request("bob", dir)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(context.Background(), request("bob", dir)); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("duplicate start = %v, want ErrSessionExists", err)
	}
	o.StopAll(context.Background(), ReasonShutdown)
}

func TestStartEnforcesCap(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	sum := &memSummary{}
	o := NewOrchestrator(dialer, nil, sum, 2, time.Second)

	for _, key := range []string{"one", "two"} {
		if err := o.Start(context.Background(), request(key, dir)); err != nil {
			t.Fatalf("start %s: %v", key, err)
		}
	}
	if err := o.Start(context.Background(), request("three", dir)); !errors.Is(err, ErrCapacity) {
		t.Fatalf("over-cap start = %v, want ErrCapacity", err)
	}
	attempts := sum.byAction("recording_attempt")
	if len(attempts) != 1 || attempts[0].Status != "failed" || attempts[0].Streamer != "three" {
		t.Fatalf("admission failure summaries = %v", attempts)
	}

	// A freed slot readmits.
	if err := o.Stop(context.Background(), "one", ReasonOfficialEnd); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := o.Start(context.Background(), request("three", dir)); err != nil {
		t.Fatalf("start after freed slot: %v", err)
	}
	o.StopAll(context.Background(), ReasonShutdown)
}

func TestStartRollsBackOnDialFailure(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	dialer.err = errors.New("network down")
	sum := &memSummary{}
	o := NewOrchestrator(dialer, nil, sum, 3, time.Second)

	if err := o.Start(context.Background(), request("carol", dir)); err == nil {
		t.Fatal("expected dial failure to surface")
	}
	if o.Active("carol") {
		t.Fatal("failed start left a session in the map")
	}
	starts := sum.byAction("recording_started")
	if len(starts) != 1 || starts[0].Status != "failed" {
		t.Fatalf("failure summaries = %v", starts)
	}
	// The slot is free again.
	dialer.err = nil
	if err := o.Start(context.Background(), request("carol", dir)); err != nil {
		t.Fatalf("start after rollback: %v", err)
	}
	o.StopAll(context.Background(), ReasonShutdown)
}

func TestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	o := NewOrchestrator(dialer, nil, &memSummary{}, 3, time.Second)

	if err := o.Start(context.Background(), request("dave", dir)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Stop(context.Background(), "dave", ReasonOfficialEnd); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := o.Stop(context.Background(), "dave", ReasonShutdown); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
	if n := dialer.capture("dave").stopCount(); n != 1 {
		t.Fatalf("capture stopped %d times, want 1", n)
	}
	if n := dialer.client("dave").disconnectCount(); n != 1 {
		t.Fatalf("client disconnected %d times, want 1", n)
	}
}

func TestStopReportsTeardownFailure(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	sum := &memSummary{}
	o := NewOrchestrator(dialer, nil, sum, 3, time.Second)

	if err := o.Start(context.Background(), request("liam", dir)); err != nil {
		t.Fatalf("start: %v", err)
	}
	capErr := errors.New("capture process hung")
	cap := dialer.capture("liam")
	cap.mu.Lock()
	cap.stopErr = capErr
	cap.mu.Unlock()

	if err := o.Stop(context.Background(), "liam", ReasonOfficialEnd); !errors.Is(err, capErr) {
		t.Fatalf("stop error = %v, want %v", err, capErr)
	}
	// The session must still be gone despite the teardown failure.
	if o.Active("liam") {
		t.Fatal("failed teardown left a phantom session")
	}
	stops := sum.byAction("recording_stopped_" + ReasonOfficialEnd)
	if len(stops) != 1 {
		t.Fatalf("expected one stop summary, got %d", len(stops))
	}
	if stops[0].Status != "failed" {
		t.Fatalf("stop summary status = %q, want failed", stops[0].Status)
	}
	if stops[0].Err != capErr.Error() {
		t.Fatalf("stop summary error = %q", stops[0].Err)
	}
}

func TestHandleConcurrentWithStop(t *testing.T) {
	// Teardown races event delivery: a write that slips past the fence while
	// Stop closes the sinks must come back as an error, never corrupt the
	// writer or panic on the sinks map.
	dir := t.TempDir()
	for i := 0; i < 25; i++ {
		dialer := newFakeDialer()
		o := NewOrchestrator(dialer, nil, &memSummary{}, 3, time.Second)
		if err := o.Start(context.Background(), request("kate", dir)); err != nil {
			t.Fatalf("start: %v", err)
		}
		o.mu.Lock()
		s := o.sessions["kate"]
		o.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 50; j++ {
				s.handle(stream.Comment{User: stream.User{ID: "1"}, Text: "racing"}, time.Now())
			}
		}()
		if err := o.Stop(context.Background(), "kate", ReasonOfficialEnd); err != nil {
			t.Fatalf("stop: %v", err)
		}
		<-done
	}
}

func TestHandleFenceBlocksLateEvents(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	o := NewOrchestrator(dialer, nil, &memSummary{}, 3, time.Second)

	if err := o.Start(context.Background(), request("erin", dir)); err != nil {
		t.Fatalf("start: %v", err)
	}
	o.mu.Lock()
	s := o.sessions["erin"]
	o.mu.Unlock()

	s.handle(stream.Comment{User: stream.User{ID: "1"}, Text: "before"}, time.Now())
	if err := o.Stop(context.Background(), "erin", ReasonOfficialEnd); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Events that race past the stop must be dropped by the fence, not
	// written to a closed sink.
	s.handle(stream.Comment{User: stream.User{ID: "1"}, Text: "after"}, time.Now())
	if got := s.Counts()[stream.KindComment]; got != 1 {
		t.Fatalf("comment count = %d, want 1 (post-stop event counted)", got)
	}
}

type memEventSink struct {
	mu      sync.Mutex
	records [][]string
	closed  bool
}

func (m *memEventSink) Write(record []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memEventSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memEventSink) snapshot() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), m.closed
}

func TestCommentTeeReceivesRows(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	tee := &memEventSink{}
	o := NewOrchestrator(dialer, nil, &memSummary{}, 3, time.Second)
	o.CommentTee = func(key string) sink.EventSink {
		if key != "judy" {
			t.Errorf("tee keyed %q, want judy", key)
		}
		return tee
	}

	if err := o.Start(context.Background(), request("judy", dir)); err != nil {
		t.Fatalf("start: %v", err)
	}
	client := dialer.client("judy")
	client.emit(stream.Comment{User: stream.User{ID: "1", Nickname: "v"}, Text: "teed"})
	// Non-comment kinds do not reach the tee.
	client.emit(stream.Like{User: stream.User{ID: "1"}, Count: 1})
	client.emit(stream.Ended{})
	waitFor(t, "session to stop", func() bool { return !o.Active("judy") })

	n, closed := tee.snapshot()
	if n != 1 {
		t.Fatalf("tee received %d records, want 1", n)
	}
	if !closed {
		t.Fatal("tee not closed with the session sinks")
	}
}

func TestDisconnectConfirmedStops(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	sum := &memSummary{}
	prober := &fakeProber{live: false}
	o := NewOrchestrator(dialer, prober, sum, 3, 30*time.Millisecond)

	if err := o.Start(context.Background(), request("frank", dir)); err != nil {
		t.Fatalf("start: %v", err)
	}
	dialer.client("frank").emit(stream.Disconnect{})

	waitFor(t, "pending disconnect", func() bool { return o.PendingCount() == 1 })
	waitFor(t, "confirmed stop", func() bool { return !o.Active("frank") })

	if o.PendingCount() != 0 {
		t.Fatalf("pending count = %d after confirmation", o.PendingCount())
	}
	stops := sum.byAction("recording_stopped_" + ReasonDisconnectConfirmed)
	if len(stops) != 1 {
		t.Fatalf("expected one confirmed-disconnect stop, got %d", len(stops))
	}
	if n := dialer.capture("frank").stopCount(); n != 1 {
		t.Fatalf("capture stopped %d times, want 1", n)
	}
}

func TestDisconnectCancelledByReconnect(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	prober := &fakeProber{live: false}
	o := NewOrchestrator(dialer, prober, &memSummary{}, 3, 10*time.Minute)

	if err := o.Start(context.Background(), request("grace", dir)); err != nil {
		t.Fatalf("start: %v", err)
	}
	client := dialer.client("grace")
	client.emit(stream.Disconnect{})
	waitFor(t, "pending disconnect", func() bool { return o.PendingCount() == 1 })

	client.emit(stream.Connect{})
	waitFor(t, "pending cancelled by reconnect", func() bool { return o.PendingCount() == 0 })

	if !o.Active("grace") {
		t.Fatal("reconnect must keep the session alive")
	}
	o.StopAll(context.Background(), ReasonShutdown)
}

func TestDisconnectProbeLiveKeepsSession(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	prober := &fakeProber{live: true}
	o := NewOrchestrator(dialer, prober, &memSummary{}, 3, 20*time.Millisecond)

	if err := o.Start(context.Background(), request("henry", dir)); err != nil {
		t.Fatalf("start: %v", err)
	}
	dialer.client("henry").emit(stream.Disconnect{})
	waitFor(t, "pending disconnect", func() bool { return o.PendingCount() == 1 })
	waitFor(t, "pending to clear", func() bool { return o.PendingCount() == 0 })

	// Give a wrongly-scheduled stop a moment to land before asserting.
	time.Sleep(50 * time.Millisecond)
	if !o.Active("henry") {
		t.Fatal("session stopped even though the re-probe saw the streamer live")
	}
	o.StopAll(context.Background(), ReasonShutdown)
}

func TestDuplicateDisconnectIsNoOp(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	o := NewOrchestrator(dialer, &fakeProber{}, &memSummary{}, 3, 10*time.Minute)

	if err := o.Start(context.Background(), request("iris", dir)); err != nil {
		t.Fatalf("start: %v", err)
	}
	client := dialer.client("iris")
	client.emit(stream.Disconnect{})
	client.emit(stream.Disconnect{})
	waitFor(t, "pending disconnect", func() bool { return o.PendingCount() >= 1 })
	if n := o.PendingCount(); n != 1 {
		t.Fatalf("pending count = %d, want 1", n)
	}
	o.CancelAllPending()
	o.StopAll(context.Background(), ReasonShutdown)
}

func TestStopAllDrains(t *testing.T) {
	dir := t.TempDir()
	dialer := newFakeDialer()
	sum := &memSummary{}
	o := NewOrchestrator(dialer, nil, sum, 5, time.Second)

	for _, key := range []string{"a", "b", "c"} {
		if err := o.Start(context.Background(), request(key, dir)); err != nil {
			t.Fatalf("start %s: %v", key, err)
		}
	}
	o.StopAll(context.Background(), ReasonShutdown)
	if keys := o.ActiveKeys(); len(keys) != 0 {
		t.Fatalf("sessions left after drain: %v", keys)
	}
	if stops := sum.byAction("recording_stopped_" + ReasonShutdown); len(stops) != 3 {
		t.Fatalf("expected 3 shutdown stop summaries, got %d", len(stops))
	}
}
