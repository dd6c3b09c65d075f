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

package flow

import (
	"maps"
	"time"

	"github.com/tombee/testflow/pkg/errors"
)

// Response is the output of a step runner. Exactly one of HTTP, GraphQL,
// Rows or Data is meaningful, matching Kind.
type Response struct {
	Kind Kind `json:"kind"`

	// HTTP is set for rest steps and carries the transport status for graphql steps
	HTTP *HTTPResponse `json:"http,omitempty"`

	// GraphQL is set for graphql steps
	GraphQL *GraphQLResponse `json:"graphql,omitempty"`

	// Rows is set for database queries
	Rows []map[string]any `json:"rows,omitempty"`

	// RowsAffected is set for database statements that do not return rows
	RowsAffected int64 `json:"rowsAffected,omitempty"`

	// Data is set for other step types
	Data any `json:"data,omitempty"`
}

// HTTPResponse is a decoded HTTP response.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// GraphQLResponse is the GraphQL result envelope.
type GraphQLResponse struct {
	Data   any            `json:"data,omitempty"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// GraphQLError is one entry of a GraphQL errors array.
type GraphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// Env flattens the response into the variables available to expectations:
// status, headers, body, data, rows and rowsAffected.
func (r *Response) Env() map[string]any {
	env := map[string]any{
		"status":       0,
		"headers":      map[string]string{},
		"body":         nil,
		"data":         nil,
		"rows":         []map[string]any{},
		"rowsAffected": int64(0),
	}
	if r == nil {
		return env
	}
	if r.HTTP != nil {
		env["status"] = r.HTTP.Status
		if r.HTTP.Headers != nil {
			env["headers"] = r.HTTP.Headers
		}
		env["body"] = r.HTTP.Body
	}
	switch r.Kind {
	case KindGraphQL:
		if r.GraphQL != nil {
			env["data"] = r.GraphQL.Data
		}
	case KindDatabase:
		if r.Rows != nil {
			env["rows"] = r.Rows
		}
		env["rowsAffected"] = r.RowsAffected
	case KindOther:
		env["data"] = r.Data
	}
	return env
}

// Document returns the value jq paths are evaluated against: the HTTP body
// for rest, data for graphql, rows for database and Data otherwise.
func (r *Response) Document() any {
	if r == nil {
		return nil
	}
	switch r.Kind {
	case KindREST:
		if r.HTTP != nil {
			return r.HTTP.Body
		}
	case KindGraphQL:
		if r.GraphQL != nil {
			return r.GraphQL.Data
		}
	case KindDatabase:
		rows := make([]any, len(r.Rows))
		for i, row := range r.Rows {
			rows[i] = row
		}
		return rows
	default:
		return r.Data
	}
	return nil
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records one step execution.
type StepResult struct {
	Name      string        `json:"name"`
	Type      StepType      `json:"type"`
	Status    StepStatus    `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Response  *Response     `json:"response,omitempty"`
	Error     string        `json:"error,omitempty"`

	// Attempts is how many times the runner was invoked
	Attempts int `json:"attempts"`
}

// ResultMetrics aggregates step results for one execution.
type ResultMetrics struct {
	TotalSteps          int           `json:"totalSteps"`
	SuccessfulSteps     int           `json:"successfulSteps"`
	FailedSteps         int           `json:"failedSteps"`
	TotalDuration       time.Duration `json:"totalDuration"`
	AverageStepDuration time.Duration `json:"averageStepDuration"`

	// RetryAttempts counts steps that failed at least once before succeeding
	RetryAttempts int `json:"retryAttempts"`
}

// ExecutionResult is the immutable output of one flow execution.
type ExecutionResult struct {
	FlowID      string        `json:"flowId"`
	FlowName    string        `json:"flowName"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`
	Steps       []StepResult  `json:"steps"`
	Metrics     ResultMetrics `json:"metrics"`
	Error       string        `json:"error,omitempty"`

	// RetryCount is the number of whole-flow re-attempts before this result
	RetryCount int `json:"retryCount"`

	// Cause is the typed error behind Error. It is not serialized.
	Cause error `json:"-"`
}

// Err returns the failure carried by the result, or nil when it has none.
// Results decoded from storage only have the message.
func (r *ExecutionResult) Err() error {
	switch {
	case r == nil:
		return nil
	case r.Cause != nil:
		return r.Cause
	case r.Error != "":
		return errors.New(r.Error)
	}
	return nil
}

// Succeeded reports whether the result is COMPLETED.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Status == StatusCompleted
}

// ComputeMetrics derives aggregate metrics from steps.
func ComputeMetrics(steps []StepResult) ResultMetrics {
	m := ResultMetrics{TotalSteps: len(steps)}
	ran := 0
	for _, s := range steps {
		switch s.Status {
		case StepPassed:
			m.SuccessfulSteps++
			if s.Attempts > 1 {
				m.RetryAttempts++
			}
		case StepFailed:
			m.FailedSteps++
		}
		if s.Status != StepSkipped {
			m.TotalDuration += s.Duration
			ran++
		}
	}
	if ran > 0 {
		m.AverageStepDuration = m.TotalDuration / time.Duration(ran)
	}
	return m
}

// ResourceHandle identifies a resource held by a flow.
type ResourceHandle struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Capacity     int    `json:"capacity"`
	AllocationID string `json:"allocationId,omitempty"`
}

// StateMetrics is the metrics block of ExecutionState.
type StateMetrics struct {
	StartTime time.Time `json:"startTime,omitempty"`
	EndTime   time.Time `json:"endTime,omitempty"`

	// RetryCount is task-level retries performed by the scheduler
	RetryCount int `json:"retryCount"`

	// FlowRetries is whole-flow retry passes performed by the tracker
	FlowRetries int `json:"flowRetries"`

	LastCheckpoint    time.Time      `json:"lastCheckpoint,omitempty"`
	ExecutionProgress map[string]any `json:"executionProgress,omitempty"`
}

// ExecutionState is the mutable runtime record of a flow.
type ExecutionState struct {
	FlowID      string           `json:"flowId"`
	FlowName    string           `json:"flowName"`
	Status      Status           `json:"status"`
	Resources   []ResourceHandle `json:"resources"`
	Metrics     StateMetrics     `json:"metrics"`
	Error       string           `json:"error,omitempty"`
	ErrorType   string           `json:"errorType,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

// Clone returns a deep copy safe to hand to other goroutines. Result is
// shared because it is never mutated after creation.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Resources != nil {
		c.Resources = make([]ResourceHandle, len(s.Resources))
		copy(c.Resources, s.Resources)
	}
	if s.Metrics.ExecutionProgress != nil {
		c.Metrics.ExecutionProgress = maps.Clone(s.Metrics.ExecutionProgress)
	}
	return &c
}
