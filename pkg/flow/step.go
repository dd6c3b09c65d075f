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
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/testflow/pkg/errors"
)

// StepType selects the step runner. Types other than rest, graphql and
// database belong to the "other" kind and carry a free-form input map.
type StepType string

const (
	StepTypeREST     StepType = "rest"
	StepTypeGraphQL  StepType = "graphql"
	StepTypeDatabase StepType = "database"
	StepTypeNoop     StepType = "noop"
)

// Kind is the payload variant of a step.
type Kind string

const (
	KindREST     Kind = "rest"
	KindGraphQL  Kind = "graphql"
	KindDatabase Kind = "database"
	KindOther    Kind = "other"
)

// Kind returns the payload variant for the step type.
func (t StepType) Kind() Kind {
	switch t {
	case StepTypeREST:
		return KindREST
	case StepTypeGraphQL:
		return KindGraphQL
	case StepTypeDatabase:
		return KindDatabase
	default:
		return KindOther
	}
}

// Step is a single action within a flow.
type Step struct {
	// Name identifies the step within its flow
	Name string `yaml:"name" json:"name"`

	// Type selects the runner (rest, graphql, database, noop, or a custom type)
	Type StepType `yaml:"type" json:"type"`

	// Action is a free-form verb passed to the runner
	Action string `yaml:"action,omitempty" json:"action,omitempty"`

	// Input is the typed payload for the runner, decoded according to Type
	Input StepInput `yaml:"-" json:"-"`

	// Expected describes the response a successful step must produce
	Expected *Expectation `yaml:"expected,omitempty" json:"expected,omitempty"`

	// Timeout bounds the step; zero uses the orchestrator default
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retries re-runs just this step before it counts as failed
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// StepInput holds exactly one populated variant.
type StepInput struct {
	REST     *RESTInput
	GraphQL  *GraphQLInput
	Database *DatabaseInput
	Other    map[string]any
}

// RESTInput describes an HTTP request.
type RESTInput struct {
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Query   map[string]string `yaml:"query,omitempty" json:"query,omitempty"`
	Body    any               `yaml:"body,omitempty" json:"body,omitempty"`
}

// GraphQLInput describes a GraphQL operation sent over HTTP POST.
type GraphQLInput struct {
	Endpoint      string            `yaml:"endpoint" json:"endpoint"`
	Query         string            `yaml:"query" json:"query"`
	Variables     map[string]any    `yaml:"variables,omitempty" json:"variables,omitempty"`
	OperationName string            `yaml:"operationName,omitempty" json:"operationName,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// DatabaseInput describes a SQL statement.
type DatabaseInput struct {
	// Driver is a database/sql driver name ("sqlite" or "postgres")
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
	Query  string `yaml:"query" json:"query"`
	Args   []any  `yaml:"args,omitempty" json:"args,omitempty"`
}

// Expectation is checked against a step response when validation is enabled.
type Expectation struct {
	// Status is the expected HTTP status; zero skips the check
	Status int `yaml:"status,omitempty" json:"status,omitempty"`

	// Values maps jq paths over the response body to expected values
	Values map[string]any `yaml:"values,omitempty" json:"values,omitempty"`

	// Assertions are boolean expressions evaluated against the response
	Assertions []string `yaml:"assertions,omitempty" json:"assertions,omitempty"`

	// RowCount is the expected number of database rows; nil skips the check
	RowCount *int `yaml:"rowCount,omitempty" json:"rowCount,omitempty"`
}

// Validate checks that the step's payload matches its type.
func (s *Step) Validate() error {
	if s.Type == "" {
		return &errors.ValidationError{Field: "type", Message: "step type is required"}
	}
	if s.Timeout < 0 {
		return &errors.ValidationError{Field: "timeout", Message: "timeout cannot be negative"}
	}
	if s.Retries < 0 {
		return &errors.ValidationError{Field: "retries", Message: "retries cannot be negative"}
	}
	switch s.Type.Kind() {
	case KindREST:
		if s.Input.REST == nil || s.Input.REST.URL == "" {
			return &errors.ValidationError{Field: "input.url", Message: "rest step requires a url"}
		}
	case KindGraphQL:
		if s.Input.GraphQL == nil || s.Input.GraphQL.Endpoint == "" {
			return &errors.ValidationError{Field: "input.endpoint", Message: "graphql step requires an endpoint"}
		}
		if s.Input.GraphQL.Query == "" {
			return &errors.ValidationError{Field: "input.query", Message: "graphql step requires a query"}
		}
	case KindDatabase:
		if s.Input.Database == nil || s.Input.Database.Driver == "" {
			return &errors.ValidationError{Field: "input.driver", Message: "database step requires a driver"}
		}
		if s.Input.Database.Query == "" {
			return &errors.ValidationError{Field: "input.query", Message: "database step requires a query"}
		}
	}
	return nil
}

// stepFields mirrors Step without its custom codecs.
type stepFields struct {
	Name     string       `yaml:"name" json:"name"`
	Type     StepType     `yaml:"type" json:"type"`
	Action   string       `yaml:"action,omitempty" json:"action,omitempty"`
	Expected *Expectation `yaml:"expected,omitempty" json:"expected,omitempty"`
	Timeout  Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries  int          `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// UnmarshalYAML decodes the input block according to the step type.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		stepFields `yaml:",inline"`
		Input      yaml.Node `yaml:"input"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.setFields(raw.stepFields)
	s.Input = StepInput{}
	if raw.Input.Kind == 0 {
		return nil
	}
	return s.decodeInput(func(v any) error { return raw.Input.Decode(v) })
}

// UnmarshalJSON decodes the input object according to the step type.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw struct {
		stepFields
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.setFields(raw.stepFields)
	s.Input = StepInput{}
	if len(raw.Input) == 0 || string(raw.Input) == "null" {
		return nil
	}
	return s.decodeInput(func(v any) error { return json.Unmarshal(raw.Input, v) })
}

// MarshalJSON writes the active input variant under "input".
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		stepFields
		Input any `json:"input,omitempty"`
	}{
		stepFields: stepFields{
			Name:     s.Name,
			Type:     s.Type,
			Action:   s.Action,
			Expected: s.Expected,
			Timeout:  Duration(s.Timeout),
			Retries:  s.Retries,
		},
		Input: s.Input.Value(),
	})
}

func (s *Step) setFields(f stepFields) {
	s.Name = f.Name
	s.Type = f.Type
	s.Action = f.Action
	s.Expected = f.Expected
	s.Timeout = time.Duration(f.Timeout)
	s.Retries = f.Retries
}

func (s *Step) decodeInput(decode func(any) error) error {
	var err error
	switch s.Type.Kind() {
	case KindREST:
		s.Input.REST = &RESTInput{}
		err = decode(s.Input.REST)
	case KindGraphQL:
		s.Input.GraphQL = &GraphQLInput{}
		err = decode(s.Input.GraphQL)
	case KindDatabase:
		s.Input.Database = &DatabaseInput{}
		err = decode(s.Input.Database)
	default:
		err = decode(&s.Input.Other)
	}
	if err != nil {
		return fmt.Errorf("step %s: decode %s input: %w", s.Name, s.Type, err)
	}
	return nil
}

// Value returns the populated variant, or nil.
func (in StepInput) Value() any {
	switch {
	case in.REST != nil:
		return in.REST
	case in.GraphQL != nil:
		return in.GraphQL
	case in.Database != nil:
		return in.Database
	case in.Other != nil:
		return in.Other
	}
	return nil
}

// Duration is a time.Duration that decodes from strings like "30s" in both
// YAML and JSON, and from integer nanoseconds in JSON.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var td time.Duration
	if err := node.Decode(&td); err != nil {
		return err
	}
	*d = Duration(td)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		td, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(td)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
