package store

import (
	"context"
	"sync"

	"gobii_runner/internal/model"
)

// MemoryStore keeps tasks and the credential in process memory.
// State is lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  []model.Task
	apiKey string
	hasKey bool
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored collection
func (s *MemoryStore) Load(ctx context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTasks(s.tasks), nil
}

// Save replaces the stored collection
func (s *MemoryStore) Save(ctx context.Context, tasks []model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = cloneTasks(tasks)
	return nil
}

// Modify runs fn against the collection while holding the store lock
func (s *MemoryStore) Modify(ctx context.Context, fn ModifyFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(cloneTasks(s.tasks))
	if err != nil {
		return err
	}
	s.tasks = cloneTasks(next)
	return nil
}

// Get returns the API key if one was set
func (s *MemoryStore) Get(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasKey || s.apiKey == "" {
		return "", false, nil
	}
	return s.apiKey, true, nil
}

// Set stores the API key
func (s *MemoryStore) Set(ctx context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = apiKey
	s.hasKey = true
	return nil
}

// Delete clears the API key
func (s *MemoryStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = ""
	s.hasKey = false
	return nil
}
