package execution

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ResumeWorkerConfig defines resume worker configuration
type ResumeWorkerConfig struct {
	Enabled     bool
	IntervalSec int
}

// ResumeWorker periodically rescans stored tasks so that any task left
// pending or in progress gets a poller again
type ResumeWorker struct {
	service     *Service
	config      ResumeWorkerConfig
	logger      *logrus.Entry
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewResumeWorker creates a new resume worker
func NewResumeWorker(service *Service, config ResumeWorkerConfig, logger *logrus.Entry) *ResumeWorker {
	return &ResumeWorker{
		service:     service,
		config:      config,
		logger:      logger.WithField("component", "resume-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker
func (w *ResumeWorker) Start() {
	if !w.config.Enabled || w.config.IntervalSec <= 0 {
		w.logger.Info("Disabled, skipping")
		close(w.stoppedChan)
		return
	}

	w.logger.Infof("Starting with interval=%ds", w.config.IntervalSec)
	go w.run()
}

// Stop stops the worker
func (w *ResumeWorker) Stop() {
	if !w.config.Enabled || w.config.IntervalSec <= 0 {
		return
	}

	w.logger.Info("Stopping...")
	close(w.stopChan)
	<-w.stoppedChan
	w.logger.Info("Stopped")
}

func (w *ResumeWorker) run() {
	defer close(w.stoppedChan)

	ticker := time.NewTicker(time.Duration(w.config.IntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick()
		case <-w.stopChan:
			return
		}
	}
}

func (w *ResumeWorker) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.service.ScanAll(ctx)
}
