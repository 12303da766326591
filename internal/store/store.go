package store

import (
	"context"
	"errors"

	"gobii_runner/internal/model"
)

var (
	// ErrTaskNotFound is returned when no task has the requested id
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateID is returned when an id is already used by another task
	ErrDuplicateID = errors.New("task id already exists")
)

// TaskStore persists the whole task collection.
// Save replaces everything previously stored.
type TaskStore interface {
	Load(ctx context.Context) ([]model.Task, error)
	Save(ctx context.Context, tasks []model.Task) error
}

// ModifyFunc receives the current collection and returns the one to store.
// Returning an error aborts the write.
type ModifyFunc func(tasks []model.Task) ([]model.Task, error)

// AtomicTaskStore is implemented by stores that can run a load-modify-save
// cycle without another writer slipping in between. fn may be called more
// than once when the store retries after a conflict.
type AtomicTaskStore interface {
	TaskStore
	Modify(ctx context.Context, fn ModifyFunc) error
}

// CredentialStore holds the Gobii API key
type CredentialStore interface {
	Get(ctx context.Context) (string, bool, error)
	Set(ctx context.Context, apiKey string) error
	Delete(ctx context.Context) error
}

// Backend is a store that keeps both tasks and the credential
type Backend interface {
	TaskStore
	CredentialStore
}

func cloneTasks(tasks []model.Task) []model.Task {
	out := make([]model.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
