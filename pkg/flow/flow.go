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

// Package flow defines test flow definitions and the runtime records the
// orchestrator produces while executing them.
package flow

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tombee/testflow/pkg/errors"
)

// FlowType tags the kind of test a flow performs.
type FlowType string

const (
	FlowTypeAPI         FlowType = "api"
	FlowTypeDatabase    FlowType = "database"
	FlowTypeIntegration FlowType = "integration"
	FlowTypePerformance FlowType = "performance"
)

// TestFlow is a unit of executable work: an ordered list of steps plus the
// environment they run in. Definitions are immutable once submitted; the
// orchestrator tracks mutable status in ExecutionState.
type TestFlow struct {
	// ID uniquely identifies the flow
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable label
	Name string `yaml:"name" json:"name"`

	// FlowType categorizes the flow (api, database, integration, performance)
	FlowType FlowType `yaml:"flowType" json:"flowType"`

	// Config holds the executable steps and their settings
	Config FlowConfig `yaml:"config" json:"config"`

	// TestDataID references the data fixture the flow was generated from
	TestDataID string `yaml:"testDataId,omitempty" json:"testDataId,omitempty"`

	// Status is the status the definition was submitted with
	Status Status `yaml:"status,omitempty" json:"status,omitempty"`

	CreatedAt time.Time `yaml:"createdAt,omitempty" json:"createdAt,omitempty"`
	UpdatedAt time.Time `yaml:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// FlowConfig is the executable body of a flow.
type FlowConfig struct {
	// Steps run in order unless parallel step execution is requested
	Steps []Step `yaml:"steps" json:"steps"`

	// Parameters are values available to step templates; "priority" is read
	// as a scheduling hint
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Environment carries named variables for step templates
	Environment Environment `yaml:"environment,omitempty" json:"environment,omitempty"`

	// Timeout bounds the whole flow; zero uses the orchestrator default
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retries is the number of task-level re-attempts after a failed run
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`

	// Resources lists what must be allocated before the flow runs; empty
	// means DefaultRequirements
	Resources []ResourceRequirement `yaml:"resources,omitempty" json:"resources,omitempty"`
}

// Environment is a named set of variables.
type Environment struct {
	Name      string            `yaml:"name,omitempty" json:"name,omitempty"`
	Variables map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// ResourceRequirement asks the resource pool for one resource of Type with at
// least MinimumCapacity. Priority only orders waiters.
type ResourceRequirement struct {
	Type            string `yaml:"type" json:"type"`
	MinimumCapacity int    `yaml:"minimumCapacity" json:"minimumCapacity"`
	Priority        int    `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// DefaultRequirements is used when a flow declares no resources.
func DefaultRequirements() []ResourceRequirement {
	return []ResourceRequirement{{Type: "cpu", MinimumCapacity: 1}}
}

// Requirements returns the flow's resource requirements, falling back to
// DefaultRequirements. A requirement without its own priority inherits the
// flow priority.
func (f *TestFlow) Requirements() []ResourceRequirement {
	reqs := f.Config.Resources
	if len(reqs) == 0 {
		reqs = DefaultRequirements()
	}
	out := make([]ResourceRequirement, len(reqs))
	prio := f.Priority()
	for i, r := range reqs {
		if r.Priority == 0 {
			r.Priority = prio
		}
		out[i] = r
	}
	return out
}

// Priority reads config.parameters.priority. Non-numeric values count as 0.
func (f *TestFlow) Priority() int {
	v, ok := f.Config.Parameters["priority"]
	if !ok {
		return 0
	}
	switch p := v.(type) {
	case int:
		return p
	case int64:
		return int(p)
	case float64:
		return int(p)
	case string:
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Validate checks the structural requirements for admitting a flow.
func (f *TestFlow) Validate() error {
	if f == nil {
		return &errors.ValidationError{Message: "flow is nil"}
	}
	if f.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "flow id is required"}
	}
	if f.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "flow name is required"}
	}
	if len(f.Config.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "config.steps",
			Message:    "flow must have at least one step",
			Suggestion: "add a step under config.steps",
		}
	}
	if f.Config.Retries < 0 {
		return &errors.ValidationError{Field: "config.retries", Message: "retries cannot be negative"}
	}
	if f.Config.Timeout < 0 {
		return &errors.ValidationError{Field: "config.timeout", Message: "timeout cannot be negative"}
	}
	for i, r := range f.Config.Resources {
		if r.Type == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("config.resources[%d].type", i), Message: "resource type is required"}
		}
		if r.MinimumCapacity < 0 {
			return &errors.ValidationError{Field: fmt.Sprintf("config.resources[%d].minimumCapacity", i), Message: "minimum capacity cannot be negative"}
		}
	}

	seen := make(map[string]bool, len(f.Config.Steps))
	for i := range f.Config.Steps {
		s := &f.Config.Steps[i]
		field := fmt.Sprintf("config.steps[%d]", i)
		if s.Name == "" {
			return &errors.ValidationError{Field: field + ".name", Message: "step name is required"}
		}
		if seen[s.Name] {
			return &errors.ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			if ve, ok := err.(*errors.ValidationError); ok {
				ve.Field = field + "." + ve.Field
			}
			return err
		}
	}
	return nil
}
