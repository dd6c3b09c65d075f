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

// Package step runs individual flow steps. Runners are resolved by step
// type from a Registry; the Validator checks responses against a step's
// expectations.
package step

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/tombee/testflow/internal/log"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// Context carries flow-level values into a step run.
type Context struct {
	FlowID   string
	FlowName string

	// Variables are the flow environment variables
	Variables map[string]string

	// Parameters are the flow parameters
	Parameters map[string]any

	// Attempt is zero-based
	Attempt int

	Logger *slog.Logger
}

// NewContext builds a Context from f.
func NewContext(f *flow.TestFlow, logger *slog.Logger) *Context {
	return &Context{
		FlowID:     f.ID,
		FlowName:   f.Name,
		Variables:  f.Config.Environment.Variables,
		Parameters: f.Config.Parameters,
		Logger:     log.OrDefault(logger),
	}
}

// Runner executes one step.
type Runner interface {
	Run(ctx context.Context, s *flow.Step, sc *Context) (*flow.Response, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, s *flow.Step, sc *Context) (*flow.Response, error)

func (f RunnerFunc) Run(ctx context.Context, s *flow.Step, sc *Context) (*flow.Response, error) {
	return f(ctx, s, sc)
}

// Registry maps step types to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[flow.StepType]Runner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[flow.StepType]Runner)}
}

// NewBuiltinRegistry registers the rest, graphql, database and noop
// runners.
func NewBuiltinRegistry(logger *slog.Logger) *Registry {
	client := NewHTTPClient(logger)
	r := NewRegistry()
	r.Register(flow.StepTypeREST, &RESTRunner{Client: client})
	r.Register(flow.StepTypeGraphQL, &GraphQLRunner{Client: client})
	r.Register(flow.StepTypeDatabase, NewDatabaseRunner())
	r.Register(flow.StepTypeNoop, NoopRunner{})
	return r
}

// Register binds t to r, replacing any previous runner.
func (r *Registry) Register(t flow.StepType, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[t] = runner
}

// Lookup returns the runner for t.
func (r *Registry) Lookup(t flow.StepType) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[t]
	return runner, ok
}

// Types lists the registered step types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.runners))
	for t := range r.runners {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Run resolves the runner for s and executes it. An unregistered type is a
// validation error.
func (r *Registry) Run(ctx context.Context, s *flow.Step, sc *Context) (*flow.Response, error) {
	runner, ok := r.Lookup(s.Type)
	if !ok {
		return nil, &flowerrors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("no runner registered for step type %q", s.Type),
			Suggestion: fmt.Sprintf("use one of %v", r.Types()),
		}
	}
	return runner.Run(ctx, s, sc)
}

// Close closes every runner that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, runner := range r.runners {
		if c, ok := runner.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
