// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the error taxonomy shared by every orchestration
// component. Each type reports its category and whether a caller-side retry
// policy may re-attempt the failed operation.
package errors

import (
	"fmt"
	"time"
)

// Classifier is implemented by every error in this package.
type Classifier interface {
	error

	// ErrorType returns a short category name such as "validation" or "timeout".
	ErrorType() string

	// IsRetryable reports whether a retry policy may re-attempt the operation.
	IsRetryable() bool
}

// ValidationError represents a malformed flow definition or configuration.
// It is rejected at admission and never retried.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) ErrorType() string { return "validation" }
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a missing record. A missing flow state uses
// Resource "flow state".
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorType() string { return "not_found" }
func (e *NotFoundError) IsRetryable() bool { return false }

// NewStateNotFound returns the NotFoundError used for missing execution state.
func NewStateNotFound(flowID string) *NotFoundError {
	return &NotFoundError{Resource: "flow state", ID: flowID}
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "queue.max_size")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error     { return e.Cause }
func (e *ConfigError) ErrorType() string { return "config" }
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents a step, task, or flow deadline being exceeded.
// Once raised it is terminal.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "task", "step login")
	Operation string

	// Duration is the budget that was exceeded
	Duration time.Duration

	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error     { return e.Cause }
func (e *TimeoutError) ErrorType() string { return "timeout" }
func (e *TimeoutError) IsRetryable() bool { return false }

// ResourceExhaustedError is returned when no matching resource became
// available within the wait window. Callers decide whether to retry.
type ResourceExhaustedError struct {
	Type            string
	MinimumCapacity int
	Waited          time.Duration
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("no %s resource with capacity >= %d available after %v",
		e.Type, e.MinimumCapacity, e.Waited)
}

func (e *ResourceExhaustedError) ErrorType() string { return "resource_exhausted" }
func (e *ResourceExhaustedError) IsRetryable() bool { return true }

// UnknownResourceError is returned when deallocating a resource that is not
// currently allocated.
type UnknownResourceError struct {
	ResourceID string
}

func (e *UnknownResourceError) Error() string {
	return fmt.Sprintf("resource %s is not allocated", e.ResourceID)
}

func (e *UnknownResourceError) ErrorType() string { return "unknown_resource" }
func (e *UnknownResourceError) IsRetryable() bool { return false }

// StepExecutionError wraps a failure reported by a step runner or by
// response validation.
type StepExecutionError struct {
	Step     string
	StepType string
	Attempt  int
	Cause    error
}

func (e *StepExecutionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("step %s (%s) failed", e.Step, e.StepType)
	}
	return fmt.Sprintf("step %s (%s) failed: %v", e.Step, e.StepType, e.Cause)
}

func (e *StepExecutionError) Unwrap() error     { return e.Cause }
func (e *StepExecutionError) ErrorType() string { return "step_execution" }
func (e *StepExecutionError) IsRetryable() bool { return true }

// QueueFullError is returned when the scheduler is at capacity.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("scheduler queue is full (capacity %d)", e.Capacity)
}

func (e *QueueFullError) ErrorType() string { return "queue_full" }
func (e *QueueFullError) IsRetryable() bool { return false }

// AlreadyInitializedError is returned when initializing state for a flow
// whose existing state is not terminal.
type AlreadyInitializedError struct {
	FlowID string
	Status string
}

func (e *AlreadyInitializedError) Error() string {
	return fmt.Sprintf("flow %s already has state in status %s", e.FlowID, e.Status)
}

func (e *AlreadyInitializedError) ErrorType() string { return "already_initialized" }
func (e *AlreadyInitializedError) IsRetryable() bool { return false }

// TerminalStateError is returned when an update tries to move a flow out of
// a terminal status.
type TerminalStateError struct {
	FlowID    string
	Current   string
	Requested string
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("flow %s is %s and cannot transition to %s", e.FlowID, e.Current, e.Requested)
}

func (e *TerminalStateError) ErrorType() string { return "terminal_state" }
func (e *TerminalStateError) IsRetryable() bool { return false }

var (
	_ Classifier = (*ValidationError)(nil)
	_ Classifier = (*NotFoundError)(nil)
	_ Classifier = (*ConfigError)(nil)
	_ Classifier = (*TimeoutError)(nil)
	_ Classifier = (*ResourceExhaustedError)(nil)
	_ Classifier = (*UnknownResourceError)(nil)
	_ Classifier = (*StepExecutionError)(nil)
	_ Classifier = (*QueueFullError)(nil)
	_ Classifier = (*AlreadyInitializedError)(nil)
	_ Classifier = (*TerminalStateError)(nil)
)
