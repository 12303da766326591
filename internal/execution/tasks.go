package execution

import (
	"context"

	"github.com/google/uuid"

	"gobii_runner/internal/model"
)

// TaskDefinition is the user editable part of a task
type TaskDefinition struct {
	Name         string
	Prompt       string
	OutputSchema *model.OutputSchema
}

// ListTasks returns every stored task
func (s *Service) ListTasks(ctx context.Context) ([]model.Task, error) {
	return s.ledger.List(ctx)
}

// GetTask returns one stored task
func (s *Service) GetTask(ctx context.Context, id string) (model.Task, error) {
	return s.ledger.Get(ctx, id)
}

// CreateTask stores a new task under a provisional id. It is not submitted.
func (s *Service) CreateTask(ctx context.Context, def TaskDefinition) (model.Task, error) {
	task := model.Task{
		ID:           uuid.NewString(),
		Name:         def.Name,
		Prompt:       def.Prompt,
		OutputSchema: def.OutputSchema.Clone(),
		Status:       model.TaskStatusNone,
	}
	task, err := s.ledger.Add(ctx, task)
	if err != nil {
		return model.Task{}, err
	}
	s.notifier.Notify(newEvent(EventTaskAdded, &task))
	return task, nil
}

// EditTask replaces the name, prompt and schema of a task.
// Status and result are left alone.
func (s *Service) EditTask(ctx context.Context, id string, def TaskDefinition) (model.Task, error) {
	task, err := s.ledger.Update(ctx, id, func(t *model.Task) error {
		t.Name = def.Name
		t.Prompt = def.Prompt
		t.OutputSchema = def.OutputSchema.Clone()
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	s.notifier.Notify(newEvent(EventTaskUpdated, &task))
	return task, nil
}

// DeleteTask removes a task. A poller still running for it stops on its next tick.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if err := s.ledger.Delete(ctx, id); err != nil {
		return err
	}
	e := newEvent(EventTaskDeleted, nil)
	e.TaskID = id
	s.notifier.Notify(e)
	return nil
}

// Reloaded tells listeners that the collection changed outside this process
func (s *Service) Reloaded() {
	s.notifier.Notify(newEvent(EventTasksReloaded, nil))
}
