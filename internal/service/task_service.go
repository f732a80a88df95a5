package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"netbox-avd-sync/internal/entity"
)

// Port of the audit repository (implementation: postgresql.RunRepository)
type RunRepository interface {
	Create(ctx context.Context, event string, payload json.RawMessage) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.TaskRun, error)
}

// Small enqueue-only port, so the HTTP layer cannot claim or ack.
type TaskQueue interface {
	Enqueue(ctx context.Context, runID string) error
}

// TaskService turns a validated webhook event into a persisted, queued
// task run. The HTTP response goes out as soon as the run is enqueued.
type TaskService struct {
	repo  RunRepository
	queue TaskQueue
}

func NewTaskService(repo RunRepository, queue TaskQueue) *TaskService {
	return &TaskService{repo: repo, queue: queue}
}

var knownEvents = map[string]bool{
	entity.EventVLANCreated: true,
	entity.EventManualSync:  true,
	entity.EventRunTests:    true,
	entity.EventRepoUpdate:  true,
}

func (s *TaskService) Dispatch(ctx context.Context, event string, payload json.RawMessage) (uuid.UUID, error) {
	if !knownEvents[event] {
		return uuid.Nil, fmt.Errorf("unknown event %q", event)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	id, err := s.repo.Create(ctx, event, payload)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.queue.Enqueue(ctx, id.String()); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *TaskService) GetRun(ctx context.Context, id uuid.UUID) (*entity.TaskRun, error) {
	return s.repo.GetByID(ctx, id)
}
