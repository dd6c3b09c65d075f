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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tombee/testflow/pkg/errors"
)

const checkoutYAML = `
id: checkout
name: Checkout flow
flowType: api
config:
  timeout: 2m
  retries: 2
  parameters:
    priority: 7
  environment:
    name: staging
    variables:
      BASE_URL: http://localhost:8080
  resources:
    - type: cpu
      minimumCapacity: 2
  steps:
    - name: login
      type: rest
      action: POST
      timeout: 5s
      input:
        method: POST
        url: "{{ BASE_URL }}/login"
        body:
          user: alice
      expected:
        status: 200
        values:
          ".token": "abc"
    - name: cart
      type: graphql
      input:
        endpoint: http://localhost:8080/graphql
        query: "{ cart { id } }"
    - name: audit
      type: database
      input:
        driver: sqlite
        dsn: ":memory:"
        query: "SELECT 1"
    - name: wait
      type: noop
      input:
        delay: 10ms
`

func TestDecodeFlowYAML(t *testing.T) {
	var f TestFlow
	require.NoError(t, yaml.Unmarshal([]byte(checkoutYAML), &f))
	require.NoError(t, f.Validate())

	assert.Equal(t, "checkout", f.ID)
	assert.Equal(t, FlowTypeAPI, f.FlowType)
	assert.Equal(t, 2*time.Minute, f.Config.Timeout)
	assert.Equal(t, 2, f.Config.Retries)
	assert.Equal(t, 7, f.Priority())
	require.Len(t, f.Config.Steps, 4)

	login := f.Config.Steps[0]
	assert.Equal(t, 5*time.Second, login.Timeout)
	require.NotNil(t, login.Input.REST)
	assert.Equal(t, "{{ BASE_URL }}/login", login.Input.REST.URL)
	assert.Equal(t, map[string]any{"user": "alice"}, login.Input.REST.Body)
	require.NotNil(t, login.Expected)
	assert.Equal(t, 200, login.Expected.Status)

	require.NotNil(t, f.Config.Steps[1].Input.GraphQL)
	assert.Equal(t, KindGraphQL, f.Config.Steps[1].Type.Kind())
	require.NotNil(t, f.Config.Steps[2].Input.Database)
	assert.Equal(t, "sqlite", f.Config.Steps[2].Input.Database.Driver)
	assert.Equal(t, KindOther, f.Config.Steps[3].Type.Kind())
	assert.Equal(t, "10ms", f.Config.Steps[3].Input.Other["delay"])

	reqs := f.Requirements()
	require.Len(t, reqs, 1)
	assert.Equal(t, 7, reqs[0].Priority)
}

func TestStepJSONRoundTrip(t *testing.T) {
	in := Step{
		Name:    "login",
		Type:    StepTypeREST,
		Timeout: 3 * time.Second,
		Input:   StepInput{REST: &RESTInput{Method: "GET", URL: "http://x/y"}},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timeout":"3s"`)

	var out Step
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestValidate(t *testing.T) {
	valid := func() *TestFlow {
		return &TestFlow{
			ID:   "f1",
			Name: "flow",
			Config: FlowConfig{Steps: []Step{
				{Name: "a", Type: StepTypeNoop},
			}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(f *TestFlow)
		field   string
		wantErr bool
	}{
		{name: "valid", mutate: func(*TestFlow) {}},
		{name: "missing id", mutate: func(f *TestFlow) { f.ID = "" }, field: "id", wantErr: true},
		{name: "missing name", mutate: func(f *TestFlow) { f.Name = "" }, field: "name", wantErr: true},
		{name: "no steps", mutate: func(f *TestFlow) { f.Config.Steps = nil }, field: "config.steps", wantErr: true},
		{name: "negative retries", mutate: func(f *TestFlow) { f.Config.Retries = -1 }, field: "config.retries", wantErr: true},
		{name: "duplicate step", mutate: func(f *TestFlow) {
			f.Config.Steps = append(f.Config.Steps, Step{Name: "a", Type: StepTypeNoop})
		}, field: "config.steps[1].name", wantErr: true},
		{name: "rest without url", mutate: func(f *TestFlow) {
			f.Config.Steps[0] = Step{Name: "a", Type: StepTypeREST}
		}, field: "config.steps[0].input.url", wantErr: true},
		{name: "graphql without query", mutate: func(f *TestFlow) {
			f.Config.Steps[0] = Step{Name: "a", Type: StepTypeGraphQL, Input: StepInput{GraphQL: &GraphQLInput{Endpoint: "http://x"}}}
		}, field: "config.steps[0].input.query", wantErr: true},
		{name: "resource without type", mutate: func(f *TestFlow) {
			f.Config.Resources = []ResourceRequirement{{MinimumCapacity: 1}}
		}, field: "config.resources[0].type", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid()
			tt.mutate(f)
			err := f.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var ve *errors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	var nilFlow *TestFlow
	assert.Error(t, nilFlow.Validate())
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{"", StatusPending, true},
		{"", StatusRunning, false},
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusPending, false},
		{StatusRunning, "BOGUS", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}

	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}

func TestComputeMetrics(t *testing.T) {
	m := ComputeMetrics([]StepResult{
		{Status: StepPassed, Duration: 10 * time.Millisecond, Attempts: 1},
		{Status: StepPassed, Duration: 30 * time.Millisecond, Attempts: 3},
		{Status: StepFailed, Duration: 20 * time.Millisecond, Attempts: 1},
		{Status: StepSkipped},
	})
	assert.Equal(t, 4, m.TotalSteps)
	assert.Equal(t, 2, m.SuccessfulSteps)
	assert.Equal(t, 1, m.FailedSteps)
	assert.Equal(t, 1, m.RetryAttempts)
	assert.Equal(t, 60*time.Millisecond, m.TotalDuration)
	assert.Equal(t, 20*time.Millisecond, m.AverageStepDuration)

	assert.Equal(t, ResultMetrics{}, ComputeMetrics(nil))
}

func TestPriority(t *testing.T) {
	f := &TestFlow{}
	assert.Equal(t, 0, f.Priority())
	f.Config.Parameters = map[string]any{"priority": 3.0}
	assert.Equal(t, 3, f.Priority())
	f.Config.Parameters["priority"] = "9"
	assert.Equal(t, 9, f.Priority())
	f.Config.Parameters["priority"] = "high"
	assert.Equal(t, 0, f.Priority())
}

func TestExecutionStateClone(t *testing.T) {
	s := &ExecutionState{
		FlowID:    "f",
		Resources: []ResourceHandle{{ID: "r1"}},
		Metrics:   StateMetrics{ExecutionProgress: map[string]any{"step": 1}},
	}
	c := s.Clone()
	c.Resources[0].ID = "r2"
	c.Metrics.ExecutionProgress["step"] = 2
	assert.Equal(t, "r1", s.Resources[0].ID)
	assert.Equal(t, 1, s.Metrics.ExecutionProgress["step"])
}

func TestResponseEnv(t *testing.T) {
	r := &Response{Kind: KindREST, HTTP: &HTTPResponse{Status: 201, Body: map[string]any{"id": 1.0}}}
	env := r.Env()
	assert.Equal(t, 201, env["status"])
	assert.Equal(t, map[string]any{"id": 1.0}, r.Document())

	db := &Response{Kind: KindDatabase, Rows: []map[string]any{{"n": 1}}}
	assert.Equal(t, []any{map[string]any{"n": 1}}, db.Document())

	var nilResp *Response
	assert.Equal(t, 0, nilResp.Env()["status"])
}
