// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package resilience runs multi-step operations that undo themselves on
// failure.
//
// # Overview
//
// A Saga is an ordered list of steps, each with an optional compensation.
// Steps run in order; when one fails, every completed step is compensated
// in reverse order. The installer stages, hooks, promotes and commits an
// extension as one saga, so a failure at any point leaves the previous
// installation untouched.
//
// # Example
//
//	saga := resilience.NewSaga(resilience.Config{Logger: logger})
//	saga.AddStep(resilience.Step{
//	    Name:       "stage",
//	    Execute:    func(ctx context.Context) error { return os.Mkdir(staging, 0o755) },
//	    Compensate: func(ctx context.Context) error { return os.RemoveAll(staging) },
//	})
//	if err := saga.Execute(ctx); err != nil {
//	    var failed *resilience.SagaError
//	    errors.As(err, &failed)
//	}
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pacphi/sindri/pkg/logging"
)

// =============================================================================
// Step
// =============================================================================

// Step is one action in a saga with its undo.
//
// # Limitations
//
//   - Compensate should be idempotent and tolerate "already gone".
//   - A step with Detached set runs to completion even if the saga's
//     context is cancelled meanwhile; use it for commits that must not be
//     torn.
type Step struct {
	// Name identifies the step in logs and errors.
	Name string

	// Execute performs the forward action.
	Execute func(ctx context.Context) error

	// Compensate undoes Execute. Nil when nothing needs undoing.
	Compensate func(ctx context.Context) error

	// Timeout bounds Execute. Zero uses Config.StepTimeout.
	Timeout time.Duration

	// Detached runs Execute on a context that ignores cancellation.
	Detached bool
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Saga.
type Config struct {
	// StepTimeout bounds each step. Zero means no saga-level bound; steps
	// that run hooks carry their own timeouts.
	StepTimeout time.Duration

	// CompensationTimeout bounds each compensation.
	// Default: 30 seconds
	CompensationTimeout time.Duration

	Logger *slog.Logger

	// OnCompensate is called after each compensation with its error.
	OnCompensate func(step string, err error)
}

// =============================================================================
// Errors
// =============================================================================

// ErrCompensationFailed is matched by a SagaError whose undo was partial.
var ErrCompensationFailed = errors.New("compensation failed")

// CompensationError records a failed undo.
type CompensationError struct {
	Step string
	Err  error
}

// SagaError reports the failed step, the steps that were undone and any
// undo failures.
type SagaError struct {
	Step          string
	Err           error
	Compensated   []string
	Compensations []CompensationError
}

func (e *SagaError) Error() string {
	msg := fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	if len(e.Compensations) > 0 {
		msg += fmt.Sprintf(" (%d compensations failed, first: %s: %v)",
			len(e.Compensations), e.Compensations[0].Step, e.Compensations[0].Err)
	}
	return msg
}

func (e *SagaError) Unwrap() error { return e.Err }

func (e *SagaError) Is(target error) bool {
	return target == ErrCompensationFailed && len(e.Compensations) > 0
}

// =============================================================================
// Saga
// =============================================================================

// Saga runs steps in order and compensates on failure.
//
// # Thread Safety
//
// Safe for concurrent use; Execute calls on one Saga are serialised. Run
// independent sagas for independent work.
type Saga struct {
	config    Config
	steps     []Step
	completed []Step
	lastError error
	mu        sync.Mutex
}

// NewSaga returns an empty saga.
func NewSaga(config Config) *Saga {
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}
	return &Saga{config: config}
}

// AddStep appends a step.
func (s *Saga) AddStep(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Execute runs every step. On failure it compensates the completed steps
// and returns a *SagaError.
func (s *Saga) Execute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = s.completed[:0]
	s.lastError = nil

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return s.fail(step, fmt.Errorf("cancelled before start: %w", err))
		}
		if err := s.executeStep(ctx, step); err != nil {
			return s.fail(step, err)
		}
		s.completed = append(s.completed, step)
	}
	return nil
}

func (s *Saga) executeStep(ctx context.Context, step Step) error {
	if step.Detached {
		ctx = context.WithoutCancel(ctx)
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.config.StepTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := step.Execute(ctx)
	if err != nil {
		s.config.Logger.Debug("saga step failed", "step", step.Name, "duration", time.Since(start), "error", err)
		return err
	}
	s.config.Logger.Debug("saga step completed", "step", step.Name, "duration", time.Since(start))
	return nil
}

func (s *Saga) fail(step Step, err error) error {
	sagaErr := &SagaError{Step: step.Name, Err: err}
	s.compensate(sagaErr)
	s.lastError = sagaErr
	return sagaErr
}

// compensate undoes completed steps in reverse order. It runs on a fresh
// context so cleanup completes even when the caller was cancelled.
func (s *Saga) compensate(sagaErr *SagaError) {
	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if step.Compensate == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.config.CompensationTimeout)
		err := step.Compensate(ctx)
		cancel()

		if err != nil {
			s.config.Logger.Warn("compensation failed", "step", step.Name, "error", err)
			sagaErr.Compensations = append(sagaErr.Compensations, CompensationError{Step: step.Name, Err: err})
		} else {
			sagaErr.Compensated = append(sagaErr.Compensated, step.Name)
		}
		if s.config.OnCompensate != nil {
			s.config.OnCompensate(step.Name, err)
		}
	}
	s.completed = s.completed[:0]
}

// Reset clears steps and state for reuse.
func (s *Saga) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = nil
	s.completed = nil
	s.lastError = nil
}

// CompletedSteps returns the steps that completed in the last Execute and
// were not compensated.
func (s *Saga) CompletedSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.completed))
	for i, step := range s.completed {
		names[i] = step.Name
	}
	return names
}

// LastError returns the error of the last Execute.
func (s *Saga) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// StepCount returns the number of steps added.
func (s *Saga) StepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
