package changecontrol_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"netbox-avd-sync/internal/changecontrol"
	"netbox-avd-sync/internal/entity"
)

// ---- fakes ----

type fakeStream struct {
	events []*changecontrol.ChangeJobEvent
	err    error // returned after events run out; nil means io.EOF
	pos    int
	closed bool
}

func (s *fakeStream) Next() (*changecontrol.ChangeJobEvent, error) {
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error { s.closed = true; return nil }

type fakeSource struct {
	// each Watch/Snapshot call consumes the next entry; errors stand in
	// for a failed connection attempt
	watchStreams    []any // *fakeStream or error
	snapshotStreams []any
	getOneEvents    []*changecontrol.ChangeJobEvent
	getOneErrs      []error

	watchCalls    int
	snapshotCalls int
	getOneCalls   int
}

func (f *fakeSource) Watch(ctx context.Context, id string) (changecontrol.JobStream, error) {
	f.watchCalls++
	return takeStream(&f.watchStreams)
}

func (f *fakeSource) Snapshot(ctx context.Context) (changecontrol.JobStream, error) {
	f.snapshotCalls++
	return takeStream(&f.snapshotStreams)
}

func (f *fakeSource) GetOne(ctx context.Context, id string) (*changecontrol.ChangeJobEvent, error) {
	i := f.getOneCalls
	f.getOneCalls++
	if i < len(f.getOneErrs) && f.getOneErrs[i] != nil {
		return nil, f.getOneErrs[i]
	}
	if i < len(f.getOneEvents) {
		return f.getOneEvents[i], nil
	}
	return f.getOneEvents[len(f.getOneEvents)-1], nil
}

func takeStream(q *[]any) (changecontrol.JobStream, error) {
	if len(*q) == 0 {
		return nil, io.EOF
	}
	head := (*q)[0]
	*q = (*q)[1:]
	if err, ok := head.(error); ok {
		return nil, err
	}
	return head.(*fakeStream), nil
}

func jobEvent(id, name string, status entity.JobStatus, errText string) *changecontrol.ChangeJobEvent {
	return &changecontrol.ChangeJobEvent{Job: entity.ChangeJob{
		ID: id, Name: name, Status: status, Error: errText,
	}}
}

func transportErr() error {
	return &changecontrol.TransportError{Op: "test", Err: errors.New("connection reset")}
}

// ---- AwaitCompletion ----

func TestAwaitCompletion_CompletedClean(t *testing.T) {
	src := &fakeSource{watchStreams: []any{&fakeStream{events: []*changecontrol.ChangeJobEvent{
		jobEvent("cc-1", "deploy", entity.StatusRunning, ""),
		jobEvent("cc-1", "deploy", entity.StatusCompleted, ""),
	}}}}
	m := changecontrol.NewMonitor(src, time.Millisecond, time.Second)

	res, err := m.AwaitCompletion(context.Background(), "cc-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Outcome != changecontrol.Succeeded {
		t.Fatalf("expected Succeeded, got %v (reason=%q)", res.Outcome, res.Reason)
	}
}

func TestAwaitCompletion_CompletedWithErrorIsFailed(t *testing.T) {
	src := &fakeSource{watchStreams: []any{&fakeStream{events: []*changecontrol.ChangeJobEvent{
		jobEvent("cc-1", "deploy", entity.StatusCompleted, "device dc1-leaf1 unreachable"),
	}}}}
	m := changecontrol.NewMonitor(src, time.Millisecond, time.Second)

	res, err := m.AwaitCompletion(context.Background(), "cc-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Outcome != changecontrol.Failed {
		t.Fatalf("expected Failed, got %v", res.Outcome)
	}
	if res.Reason != "device dc1-leaf1 unreachable" {
		t.Fatalf("expected carried error text, got %q", res.Reason)
	}
}

func TestAwaitCompletion_AllTerminalNonSuccessStatusesFail(t *testing.T) {
	for _, status := range []entity.JobStatus{entity.StatusFailed, entity.StatusAbandoned, entity.StatusTerminated} {
		src := &fakeSource{watchStreams: []any{&fakeStream{events: []*changecontrol.ChangeJobEvent{
			jobEvent("cc-1", "deploy", status, ""),
		}}}}
		m := changecontrol.NewMonitor(src, time.Millisecond, time.Second)

		res, err := m.AwaitCompletion(context.Background(), "cc-1")
		if err != nil {
			t.Fatalf("status %s: expected nil error, got %v", status, err)
		}
		if res.Outcome != changecontrol.Failed {
			t.Fatalf("status %s: expected Failed, got %v", status, res.Outcome)
		}
		if !strings.Contains(res.Reason, status.ShortName()) {
			t.Fatalf("status %s: reason %q does not name the status", status, res.Reason)
		}
	}
}

func TestAwaitCompletion_RetriesTransportThenSucceeds(t *testing.T) {
	var logs bytes.Buffer
	log.SetOutput(&logs)
	defer log.SetOutput(io.Discard)

	src := &fakeSource{watchStreams: []any{
		transportErr(),
		transportErr(),
		transportErr(),
		&fakeStream{events: []*changecontrol.ChangeJobEvent{
			jobEvent("cc-1", "deploy", entity.StatusCompleted, ""),
		}},
	}}

	var slept []time.Duration
	m := changecontrol.NewMonitor(src, time.Millisecond, time.Minute,
		changecontrol.WithRetry(5, 5*time.Second),
		changecontrol.WithSleep(func(d time.Duration) { slept = append(slept, d) }),
	)

	res, err := m.AwaitCompletion(context.Background(), "cc-1")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if res.Outcome != changecontrol.Succeeded {
		t.Fatalf("expected Succeeded, got %v", res.Outcome)
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("sleep %d: expected %s, got %s", i, want[i], slept[i])
		}
	}
	if n := strings.Count(logs.String(), "retrying in"); n != 3 {
		t.Fatalf("expected 3 retry warnings, got %d:\n%s", n, logs.String())
	}
}

func TestAwaitCompletion_RetriesExhausted(t *testing.T) {
	src := &fakeSource{watchStreams: []any{
		transportErr(), transportErr(), transportErr(), transportErr(), transportErr(),
	}}
	m := changecontrol.NewMonitor(src, time.Millisecond, time.Minute,
		changecontrol.WithRetry(5, time.Millisecond),
		changecontrol.WithSleep(func(time.Duration) {}),
	)

	_, err := m.AwaitCompletion(context.Background(), "cc-1")
	if !errors.Is(err, changecontrol.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if src.watchCalls != 5 {
		t.Fatalf("expected 5 attempts, got %d", src.watchCalls)
	}
}

func TestAwaitCompletion_AuthErrorNotRetried(t *testing.T) {
	src := &fakeSource{watchStreams: []any{changecontrol.ErrUnauthorized}}

	var slept int
	m := changecontrol.NewMonitor(src, time.Millisecond, time.Second,
		changecontrol.WithSleep(func(time.Duration) { slept++ }),
	)

	_, err := m.AwaitCompletion(context.Background(), "cc-1")
	if !errors.Is(err, changecontrol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if src.watchCalls != 1 {
		t.Fatalf("auth errors must not be retried, got %d attempts", src.watchCalls)
	}
	if slept != 0 {
		t.Fatalf("expected no backoff sleeps, got %d", slept)
	}
}

// ---- PollCompletion ----

func TestPollCompletion_TerminalAfterPolls(t *testing.T) {
	src := &fakeSource{getOneEvents: []*changecontrol.ChangeJobEvent{
		jobEvent("cc-1", "deploy", entity.StatusPending, ""),
		jobEvent("cc-1", "deploy", entity.StatusRunning, ""),
		jobEvent("cc-1", "deploy", entity.StatusFailed, ""),
	}}
	m := changecontrol.NewMonitor(src, time.Millisecond, time.Second)

	res, err := m.PollCompletion(context.Background(), "cc-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Outcome != changecontrol.Failed {
		t.Fatalf("expected Failed, got %v", res.Outcome)
	}
	if src.getOneCalls != 3 {
		t.Fatalf("expected 3 polls, got %d", src.getOneCalls)
	}
}

func TestPollCompletion_TimesOut(t *testing.T) {
	src := &fakeSource{getOneEvents: []*changecontrol.ChangeJobEvent{
		jobEvent("cc-1", "deploy", entity.StatusRunning, ""),
	}}
	m := changecontrol.NewMonitor(src, 5*time.Millisecond, 25*time.Millisecond)

	res, err := m.PollCompletion(context.Background(), "cc-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Outcome != changecontrol.TimedOut {
		t.Fatalf("expected TimedOut, got %v (reason=%q)", res.Outcome, res.Reason)
	}
}

// ---- ResolveJobID ----

func snapshotWithJobs() *fakeStream {
	return &fakeStream{events: []*changecontrol.ChangeJobEvent{
		jobEvent("cc-1", "upgrade spines", entity.StatusCompleted, ""),
		jobEvent("cc-2", "deploy vlan 100", entity.StatusPending, ""),
		jobEvent("cc-3", "deploy vlan 100", entity.StatusPending, ""),
	}}
}

func TestResolveJobID_FirstMatchWins(t *testing.T) {
	src := &fakeSource{snapshotStreams: []any{snapshotWithJobs()}}
	m := changecontrol.NewMonitor(src, time.Millisecond, time.Second)

	id, err := m.ResolveJobID(context.Background(), "deploy vlan 100")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if id != "cc-2" {
		t.Fatalf("expected first match cc-2, got %s", id)
	}
}

func TestResolveJobID_IdempotentOverUnchangedStream(t *testing.T) {
	src := &fakeSource{snapshotStreams: []any{snapshotWithJobs(), snapshotWithJobs()}}
	m := changecontrol.NewMonitor(src, time.Millisecond, time.Second)

	first, err := m.ResolveJobID(context.Background(), "deploy vlan 100")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := m.ResolveJobID(context.Background(), "deploy vlan 100")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("resolve not idempotent: %s vs %s", first, second)
	}
}

func TestResolveJobID_NotFound(t *testing.T) {
	src := &fakeSource{snapshotStreams: []any{snapshotWithJobs()}}
	m := changecontrol.NewMonitor(src, time.Millisecond, time.Second)

	_, err := m.ResolveJobID(context.Background(), "no such job")
	if !errors.Is(err, changecontrol.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if src.snapshotCalls != 1 {
		t.Fatalf("not-found is logical, must not retry: %d calls", src.snapshotCalls)
	}
}
