// Package workflow runs ordered steps that can be rolled back when a later
// step fails.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Step is one unit of a saga. Rollback is optional and undoes Run.
type Step struct {
	Name     string
	Run      func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// Saga executes steps in order. When a step fails, the rollbacks of every
// completed step run in reverse order.
type Saga struct {
	name  string
	steps []Step
}

// New creates an empty saga.
func New(name string) *Saga {
	return &Saga{name: strings.TrimSpace(name)}
}

// Then appends a step and returns the saga for chaining.
func (s *Saga) Then(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Steps returns the names of the configured steps.
func (s *Saga) Steps() []string {
	names := make([]string, 0, len(s.steps))
	for _, step := range s.steps {
		names = append(names, step.Name)
	}
	return names
}

// StepError reports the step that failed and the outcome of compensation.
type StepError struct {
	Saga string
	Step string
	Err  error
	// RollbackErrs holds failures of compensating actions, keyed by step name.
	RollbackErrs map[string]error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s: step %s: %v", e.Saga, e.Step, e.Err)
	if len(e.RollbackErrs) == 0 {
		return msg
	}
	parts := make([]string, 0, len(e.RollbackErrs))
	for name, err := range e.RollbackErrs {
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	return msg + " (rollback failed: " + strings.Join(parts, "; ") + ")"
}

// Unwrap exposes the step failure and any rollback failures to errors.Is/As.
func (e *StepError) Unwrap() []error {
	errs := []error{e.Err}
	for _, err := range e.RollbackErrs {
		errs = append(errs, err)
	}
	return errs
}

// Compensated reports whether every rollback succeeded.
func (e *StepError) Compensated() bool {
	return len(e.RollbackErrs) == 0
}

// RollbackError returns the joined rollback failures, or nil.
func (e *StepError) RollbackError() error {
	if len(e.RollbackErrs) == 0 {
		return nil
	}
	errs := make([]error, 0, len(e.RollbackErrs))
	for _, err := range e.RollbackErrs {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run executes the saga. It returns nil or a *StepError.
func (s *Saga) Run(ctx context.Context) error {
	done := make([]Step, 0, len(s.steps))
	for _, step := range s.steps {
		if step.Run == nil {
			continue
		}
		if err := step.Run(ctx); err != nil {
			stepErr := &StepError{Saga: s.name, Step: step.Name, Err: err}
			// Compensation runs even if ctx was canceled mid-step.
			rollbackCtx := context.WithoutCancel(ctx)
			for i := len(done) - 1; i >= 0; i-- {
				prev := done[i]
				if prev.Rollback == nil {
					continue
				}
				if rbErr := prev.Rollback(rollbackCtx); rbErr != nil {
					if stepErr.RollbackErrs == nil {
						stepErr.RollbackErrs = make(map[string]error)
					}
					stepErr.RollbackErrs[prev.Name] = rbErr
				}
			}
			return stepErr
		}
		done = append(done, step)
	}
	return nil
}
