package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"netbox-avd-sync/internal/entity"
	syncsvc "netbox-avd-sync/internal/sync"
	"netbox-avd-sync/internal/worker"
)

type fakeRunRepo struct {
	run *entity.TaskRun

	statuses []entity.RunStatus
	doneOut  json.RawMessage
	errText  string
}

func (f *fakeRunRepo) GetByID(_ context.Context, id uuid.UUID) (*entity.TaskRun, error) {
	if f.run == nil || f.run.ID != id {
		return nil, errors.New("run not found")
	}
	return f.run, nil
}

func (f *fakeRunRepo) UpdateStatus(_ context.Context, _ uuid.UUID, status entity.RunStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRunRepo) SetResultDone(_ context.Context, _ uuid.UUID, output json.RawMessage) error {
	f.doneOut = output
	return nil
}

func (f *fakeRunRepo) SetResultError(_ context.Context, _ uuid.UUID, errText string) error {
	f.errText = errText
	return nil
}

type fakeTasks struct {
	vlan     *syncsvc.VLANData
	vlanSet  bool
	testPass bool
	updated  bool
	err      error
}

func (f *fakeTasks) BranchAndPush(_ context.Context, vlan *syncsvc.VLANData) (syncsvc.Outcome, error) {
	f.vlan = vlan
	f.vlanSet = true
	if f.err != nil {
		return syncsvc.Outcome{}, f.err
	}
	return syncsvc.Outcome{Branch: "sync-20240101-000000", Pushed: true}, nil
}

func (f *fakeTasks) RunTestPass(_ context.Context) (syncsvc.Outcome, error) {
	f.testPass = true
	return syncsvc.Outcome{Pushed: true}, f.err
}

func (f *fakeTasks) UpdateRepo(_ context.Context) (syncsvc.Outcome, error) {
	f.updated = true
	return syncsvc.Outcome{}, f.err
}

func newRun(event string, payload string) *entity.TaskRun {
	return &entity.TaskRun{
		ID:      uuid.New(),
		Event:   event,
		Payload: json.RawMessage(payload),
		Status:  entity.RunPending,
	}
}

func TestProcess_VLANCreatedDispatchesWithIDs(t *testing.T) {
	run := newRun(entity.EventVLANCreated, `{"vlan_db_id":42,"vlan_tag_id":100}`)
	repo := &fakeRunRepo{run: run}
	tasks := &fakeTasks{}

	if err := worker.NewProcessor(repo, tasks).Process(context.Background(), run.ID.String()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if tasks.vlan == nil || tasks.vlan.DBID != 42 || tasks.vlan.TagID != 100 {
		t.Fatalf("vlan data not passed through: %+v", tasks.vlan)
	}
	if repo.doneOut == nil {
		t.Fatalf("run not marked done")
	}
	var out syncsvc.Outcome
	if err := json.Unmarshal(repo.doneOut, &out); err != nil {
		t.Fatalf("output not json: %v", err)
	}
	if !out.Pushed {
		t.Fatalf("expected pushed outcome, got %+v", out)
	}
}

func TestProcess_VLANCreatedMissingIDsErrors(t *testing.T) {
	run := newRun(entity.EventVLANCreated, `{}`)
	repo := &fakeRunRepo{run: run}
	tasks := &fakeTasks{}

	if err := worker.NewProcessor(repo, tasks).Process(context.Background(), run.ID.String()); err == nil {
		t.Fatalf("expected error for payload without vlan ids")
	}
	if tasks.vlanSet {
		t.Fatalf("task dispatched despite invalid payload")
	}
	if repo.errText == "" {
		t.Fatalf("run not marked error")
	}
}

func TestProcess_ManualSyncPassesNilVLAN(t *testing.T) {
	run := newRun(entity.EventManualSync, `{}`)
	repo := &fakeRunRepo{run: run}
	tasks := &fakeTasks{}

	if err := worker.NewProcessor(repo, tasks).Process(context.Background(), run.ID.String()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !tasks.vlanSet || tasks.vlan != nil {
		t.Fatalf("manual_sync must dispatch with nil vlan data")
	}
}

func TestProcess_TaskErrorRecorded(t *testing.T) {
	run := newRun(entity.EventRunTests, `{}`)
	repo := &fakeRunRepo{run: run}
	tasks := &fakeTasks{err: errors.New("playbook exited 2")}

	if err := worker.NewProcessor(repo, tasks).Process(context.Background(), run.ID.String()); err == nil {
		t.Fatalf("expected task error to propagate")
	}
	if !tasks.testPass {
		t.Fatalf("run_anta_test not dispatched")
	}
	if repo.errText != "playbook exited 2" {
		t.Fatalf("error text = %q", repo.errText)
	}
	if repo.doneOut != nil {
		t.Fatalf("failed run must not be marked done")
	}
}

func TestProcess_UnknownEventErrors(t *testing.T) {
	run := newRun("reboot_everything", `{}`)
	repo := &fakeRunRepo{run: run}

	if err := worker.NewProcessor(repo, &fakeTasks{}).Process(context.Background(), run.ID.String()); err == nil {
		t.Fatalf("expected error for unknown event")
	}
	if repo.errText == "" {
		t.Fatalf("run not marked error")
	}
}

func TestProcess_BadRunIDRejected(t *testing.T) {
	repo := &fakeRunRepo{}
	if err := worker.NewProcessor(repo, &fakeTasks{}).Process(context.Background(), "not-a-uuid"); err == nil {
		t.Fatalf("expected parse error")
	}
	if len(repo.statuses) != 0 {
		t.Fatalf("repo touched for unparseable id")
	}
}
