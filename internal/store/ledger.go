package store

import (
	"context"
	"fmt"
	"sync"

	"gobii_runner/internal/model"
)

// Ledger exposes per-task patch operations on top of a whole-collection
// TaskStore. Writes inside this process are serialized by a mutex; when the
// store implements AtomicTaskStore the load-modify-save cycle is also atomic
// against other processes sharing the store.
type Ledger struct {
	mu    sync.Mutex
	store TaskStore
}

// NewLedger wraps a TaskStore
func NewLedger(store TaskStore) *Ledger {
	return &Ledger{store: store}
}

// List returns all tasks in insertion order
func (l *Ledger) List(ctx context.Context) ([]model.Task, error) {
	return l.store.Load(ctx)
}

// Get returns a single task
func (l *Ledger) Get(ctx context.Context, id string) (model.Task, error) {
	tasks, err := l.store.Load(ctx)
	if err != nil {
		return model.Task{}, err
	}
	i := indexOf(tasks, id)
	if i < 0 {
		return model.Task{}, ErrTaskNotFound
	}
	return tasks[i], nil
}

// Add appends a task to the end of the collection
func (l *Ledger) Add(ctx context.Context, task model.Task) (model.Task, error) {
	err := l.modify(ctx, func(tasks []model.Task) ([]model.Task, error) {
		if indexOf(tasks, task.ID) >= 0 {
			return nil, ErrDuplicateID
		}
		return append(tasks, task.Clone()), nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// Update applies fn to the task with id and saves the collection.
// If fn returns an error nothing is saved. The id can't be changed by fn.
// fn may run more than once if the store retries after a conflict.
func (l *Ledger) Update(ctx context.Context, id string, fn func(t *model.Task) error) (model.Task, error) {
	var updated model.Task
	err := l.modify(ctx, func(tasks []model.Task) ([]model.Task, error) {
		i := indexOf(tasks, id)
		if i < 0 {
			return nil, ErrTaskNotFound
		}
		updated = tasks[i].Clone()
		if err := fn(&updated); err != nil {
			return nil, err
		}
		updated.ID = id
		tasks[i] = updated.Clone()
		return tasks, nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return updated, nil
}

// ReplaceID renames a task in place, keeping its position
func (l *Ledger) ReplaceID(ctx context.Context, oldID, newID string) (model.Task, error) {
	if newID == "" {
		return model.Task{}, fmt.Errorf("new task id is empty")
	}

	var renamed model.Task
	err := l.modify(ctx, func(tasks []model.Task) ([]model.Task, error) {
		i := indexOf(tasks, oldID)
		if i < 0 {
			return nil, ErrTaskNotFound
		}
		if oldID != newID && indexOf(tasks, newID) >= 0 {
			return nil, ErrDuplicateID
		}
		tasks[i].ID = newID
		renamed = tasks[i].Clone()
		return tasks, nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return renamed, nil
}

// Delete removes a task
func (l *Ledger) Delete(ctx context.Context, id string) error {
	return l.modify(ctx, func(tasks []model.Task) ([]model.Task, error) {
		i := indexOf(tasks, id)
		if i < 0 {
			return nil, ErrTaskNotFound
		}
		return append(tasks[:i], tasks[i+1:]...), nil
	})
}

// modify runs one load-modify-save cycle
func (l *Ledger) modify(ctx context.Context, fn ModifyFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if atomic, ok := l.store.(AtomicTaskStore); ok {
		return atomic.Modify(ctx, fn)
	}

	tasks, err := l.store.Load(ctx)
	if err != nil {
		return err
	}
	next, err := fn(tasks)
	if err != nil {
		return err
	}
	return l.store.Save(ctx, next)
}

func indexOf(tasks []model.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}
