package app

import (
	"context"
	"errors"
	"sync"

	"github.com/NodePath81/bufferbloat/internal/config"
	"github.com/NodePath81/bufferbloat/internal/util"
)

var errAlreadyStarted = errors.New("run already started")

// Supervisor owns one experiment run on behalf of the command line: it starts
// the controller in the background and lets a signal handler stop it.
type Supervisor struct {
	cfg    config.Config
	deps   Deps
	logger util.Logger

	mu         sync.Mutex
	controller *Controller
	cancel     context.CancelFunc
	done       chan struct{}
	report     Report
	err        error
}

func NewSupervisor(cfg config.Config, deps Deps, logger util.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controller != nil {
		return errAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.controller = NewController(s.cfg, s.deps, s.logger)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(c *Controller) {
		report, err := c.Run(runCtx)
		s.mu.Lock()
		s.report, s.err = report, err
		s.mu.Unlock()
		cancel()
		close(s.done)
	}(s.controller)
	s.logger.Info("run started", "run_id", s.controller.RunID())
	return nil
}

// Done is closed when the run has finished tearing down. Nil before Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Wait blocks until the run finishes and returns its report.
func (s *Supervisor) Wait() (Report, error) {
	done := s.Done()
	if done == nil {
		return Report{}, errors.New("run not started")
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report, s.err
}

// Stop ends measurement early and waits for teardown. The report gathered so
// far is still written. A run stopped before measurement returns
// context.Canceled.
func (s *Supervisor) Stop() (Report, error) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return Report{}, nil
	}
	s.logger.Info("stopping run")
	cancel()
	return s.Wait()
}
