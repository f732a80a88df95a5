package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"netbox-avd-sync/internal/entity"
	syncsvc "netbox-avd-sync/internal/sync"
)

type RunRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.TaskRun, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status entity.RunStatus) error
	SetResultDone(ctx context.Context, id uuid.UUID, output json.RawMessage) error
	SetResultError(ctx context.Context, id uuid.UUID, errText string) error
}

// Tasks is the sync service surface the processor dispatches to.
type Tasks interface {
	BranchAndPush(ctx context.Context, vlan *syncsvc.VLANData) (syncsvc.Outcome, error)
	RunTestPass(ctx context.Context) (syncsvc.Outcome, error)
	UpdateRepo(ctx context.Context) (syncsvc.Outcome, error)
}

type Processor struct {
	repo  RunRepo
	tasks Tasks
}

func NewProcessor(repo RunRepo, tasks Tasks) *Processor {
	return &Processor{repo: repo, tasks: tasks}
}

func (p *Processor) Process(ctx context.Context, runID string) error {
	start := time.Now()

	id, err := uuid.Parse(runID)
	if err != nil {
		log.Printf("[worker] run_id=%s parse_error=%v", runID, err)
		return err
	}

	if err := p.repo.UpdateStatus(ctx, id, entity.RunRunning); err != nil {
		log.Printf("[worker] run_id=%s update_status=running error=%v", id.String(), err)
		return err
	}

	run, err := p.repo.GetByID(ctx, id)
	if err != nil {
		log.Printf("[worker] run_id=%s get_run error=%v", id.String(), err)
		return err
	}

	log.Printf("[worker] run_id=%s event=%s status=running", id.String(), run.Event)

	outcome, taskErr := p.dispatch(ctx, run)
	if taskErr != nil {
		msg := taskErr.Error()
		_ = p.repo.SetResultError(ctx, id, msg)

		log.Printf("[worker] run_id=%s event=%s status=error duration_ms=%d error=%s",
			id.String(), run.Event, time.Since(start).Milliseconds(), msg,
		)
		return taskErr
	}

	output, err := json.Marshal(outcome)
	if err != nil {
		output = json.RawMessage(`{}`)
	}
	if err := p.repo.SetResultDone(ctx, id, output); err != nil {
		log.Printf("[worker] run_id=%s event=%s set_done error=%v", id.String(), run.Event, err)
		return err
	}

	log.Printf("[worker] run_id=%s event=%s status=done duration_ms=%d",
		id.String(), run.Event, time.Since(start).Milliseconds(),
	)
	return nil
}

func (p *Processor) dispatch(ctx context.Context, run *entity.TaskRun) (syncsvc.Outcome, error) {
	switch run.Event {
	case entity.EventVLANCreated:
		var vlan syncsvc.VLANData
		if err := json.Unmarshal(run.Payload, &vlan); err != nil {
			return syncsvc.Outcome{}, err
		}
		if vlan.DBID == 0 || vlan.TagID == 0 {
			return syncsvc.Outcome{}, errors.New("vlan_created run without vlan ids")
		}
		return p.tasks.BranchAndPush(ctx, &vlan)
	case entity.EventManualSync:
		return p.tasks.BranchAndPush(ctx, nil)
	case entity.EventRunTests:
		return p.tasks.RunTestPass(ctx)
	case entity.EventRepoUpdate:
		return p.tasks.UpdateRepo(ctx)
	default:
		return syncsvc.Outcome{}, errors.New("unknown event: " + run.Event)
	}
}
