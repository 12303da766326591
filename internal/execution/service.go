package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gobii_runner/internal/gobii"
	"gobii_runner/internal/model"
	"gobii_runner/internal/store"
)

// DefaultPollInterval is used when Config.PollInterval is zero
const DefaultPollInterval = 5 * time.Second

// Client is the remote execution API used by the service
type Client interface {
	Submit(ctx context.Context, prompt string, schema *model.OutputSchema) (gobii.TaskRef, error)
	FetchStatus(ctx context.Context, id string) (gobii.TaskRef, error)
}

// Config holds the collaborators of a Service
type Config struct {
	Ledger       *store.Ledger
	Client       Client
	Credentials  gobii.CredentialSource
	Notifier     Notifier
	Logger       *logrus.Entry
	PollInterval time.Duration
}

// Service submits tasks and polls them until they finish
type Service struct {
	ctx          context.Context
	cancel       context.CancelFunc
	mu           sync.Mutex
	stopped      bool
	wg           sync.WaitGroup
	ledger       *store.Ledger
	client       Client
	credentials  gobii.CredentialSource
	notifier     Notifier
	logger       *logrus.Entry
	registry     *Registry
	pollInterval time.Duration
}

// NewService creates a new execution service
func NewService(cfg *Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = Notifiers(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		ctx:          ctx,
		cancel:       cancel,
		ledger:       cfg.Ledger,
		client:       cfg.Client,
		credentials:  cfg.Credentials,
		notifier:     notifier,
		logger:       logger.WithField("component", "task-execution"),
		registry:     NewRegistry(),
		pollInterval: interval,
	}
}

// Registry exposes the poller registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// Stop abandons every running poller and waits for them to exit.
// Tasks keep their non-terminal status and are picked up by the next scan.
// No poller can be started afterwards.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// Run marks the task pending, submits it and starts polling the server id.
// On a submission error the task stays pending under its old id.
// Once the server accepted the task the id swap is persisted even if ctx is
// cancelled, otherwise the remote task would never be polled.
func (s *Service) Run(ctx context.Context, id string) (model.Task, error) {
	task, err := s.ledger.Update(ctx, id, func(t *model.Task) error {
		t.Status = model.TaskStatusPending
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	s.notifier.Notify(newEvent(EventTaskUpdated, &task))

	ref, err := s.client.Submit(ctx, task.Prompt, task.OutputSchema)
	if err != nil {
		s.logger.WithField("task_id", id).Warnf("Failed to submit task: %v", err)
		return task, err
	}

	task, err = s.ledger.ReplaceID(context.WithoutCancel(ctx), id, ref.ID)
	if err != nil {
		return model.Task{}, fmt.Errorf("failed to store server id %s: %w", ref.ID, err)
	}
	s.logger.WithFields(logrus.Fields{"task_id": task.ID, "previous_id": id}).Info("Task submitted")

	e := newEvent(EventTaskSubmitted, &task)
	e.PreviousID = id
	s.notifier.Notify(e)

	s.StartPolling(task.ID)
	return task, nil
}

// StartPolling launches a poller for id unless one is already running.
// It returns false when the registry already holds id or the service is stopped.
// The id is released before the task.finished event goes out.
func (s *Service) StartPolling(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if !s.registry.TryAcquire(id) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		finished := s.poll(id)
		s.registry.Release(id)
		if finished != nil {
			s.notifier.Notify(*finished)
		}
	}()
	return true
}

// ScanAll starts a poller for every stored task that is still pending or
// in progress. Without a configured API key it does nothing.
func (s *Service) ScanAll(ctx context.Context) int {
	if !s.hasCredential(ctx) {
		s.logger.Debug("No API key configured, skipping scan")
		return 0
	}

	tasks, err := s.ledger.List(ctx)
	if err != nil {
		s.logger.Errorf("Failed to load tasks for scan: %v", err)
		return 0
	}

	started := 0
	for _, t := range tasks {
		if !t.Status.IsActive() {
			continue
		}
		if s.StartPolling(t.ID) {
			started++
		}
	}
	if started > 0 {
		s.logger.Infof("Resumed polling for %d tasks", started)
	}
	return started
}

func (s *Service) hasCredential(ctx context.Context) bool {
	if s.credentials == nil {
		return false
	}
	key, ok, err := s.credentials.Get(ctx)
	if err != nil {
		s.logger.Warnf("Failed to load API key: %v", err)
		return false
	}
	return ok && key != ""
}

// poll runs until the task reaches a terminal status, an error occurs or
// the service is stopped. It returns the task.finished event for a terminal
// status and nil otherwise.
func (s *Service) poll(id string) *Event {
	logger := s.logger.WithField("task_id", id)
	logger.Debug("Poller started")

	for {
		ref, err := s.client.FetchStatus(s.ctx, id)
		if err != nil {
			if s.ctx.Err() != nil {
				logger.Debug("Poller stopped")
				return nil
			}
			logger.Errorf("Failed to fetch task status: %v", err)
			s.notifyPollError(id, err)
			return nil
		}

		task, err := s.applyStatus(id, ref)
		if errors.Is(err, store.ErrTaskNotFound) {
			logger.Info("Task no longer stored, stopping poller")
			return nil
		}
		if err != nil {
			if s.ctx.Err() != nil {
				logger.Debug("Poller stopped")
				return nil
			}
			logger.Errorf("Failed to store task status: %v", err)
			s.notifyPollError(id, err)
			return nil
		}

		if task.Status.IsTerminal() {
			logger.WithField("status", task.Status).Info("Task finished")
			e := newEvent(EventTaskFinished, &task)
			return &e
		}
		s.notifier.Notify(newEvent(EventTaskStatus, &task))

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			logger.Debug("Poller stopped")
			return nil
		}
	}
}

// applyStatus writes one observation to the stored task.
// Unknown statuses leave the stored status untouched.
func (s *Service) applyStatus(id string, ref gobii.TaskRef) (model.Task, error) {
	return s.ledger.Update(s.ctx, id, func(t *model.Task) error {
		status, known := model.ParseTaskStatus(string(ref.Status))
		if !known {
			s.logger.WithField("task_id", id).Warnf("Unknown task status %q", ref.Status)
			return nil
		}
		t.Status = status
		if status.IsTerminal() {
			t.LastResult = model.TerminalResult(status, ref.Result)
		}
		return nil
	})
}

func (s *Service) notifyPollError(id string, err error) {
	e := newEvent(EventPollError, nil)
	e.TaskID = id
	e.Error = err.Error()
	s.notifier.Notify(e)
}
