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

package step

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/testflow/internal/log"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

func testContext() *Context {
	return &Context{
		FlowID:     "f1",
		FlowName:   "checkout",
		Variables:  map[string]string{"host": "api.local", "token": "abc"},
		Parameters: map[string]any{"user": 42},
		Logger:     log.Discard(),
	}
}

func TestRender(t *testing.T) {
	t.Setenv("TESTFLOW_RENDER_TEST", "from-env")
	sc := testContext()

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"http://{{host}}/users/{{ user }}", "http://api.local/users/42"},
		{"Bearer {{ token }}", "Bearer abc"},
		{"{{ params.user }}", "42"},
		{"{{ env.TESTFLOW_RENDER_TEST }}", "from-env"},
		{"{{ missing }}", "{{ missing }}"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sc.Render(tt.in))
		})
	}

	nested := sc.RenderValue(map[string]any{
		"list": []any{"{{host}}", 3},
		"obj":  map[string]any{"t": "{{token}}"},
	})
	assert.Equal(t, map[string]any{
		"list": []any{"api.local", 3},
		"obj":  map[string]any{"t": "abc"},
	}, nested)
}

func TestRESTRunner(t *testing.T) {
	var gotAuth, gotQuery, gotMethod string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("page")
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id": 7, "items": [1, 2]}`)
	}))
	defer srv.Close()

	r := &RESTRunner{Client: NewHTTPClient(log.Discard())}
	s := &flow.Step{
		Name: "create",
		Type: flow.StepTypeREST,
		Input: flow.StepInput{REST: &flow.RESTInput{
			Method:  "post",
			URL:     srv.URL + "/users",
			Headers: map[string]string{"Authorization": "Bearer {{token}}"},
			Query:   map[string]string{"page": "{{user}}"},
			Body:    map[string]any{"name": "{{host}}"},
		}},
	}

	resp, err := r.Run(context.Background(), s, testContext())
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "42", gotQuery)
	assert.Equal(t, "api.local", gotBody["name"])

	require.NotNil(t, resp.HTTP)
	assert.Equal(t, flow.KindREST, resp.Kind)
	assert.Equal(t, http.StatusCreated, resp.HTTP.Status)
	assert.Equal(t, "application/json", resp.HTTP.Headers["Content-Type"])
	assert.Equal(t, map[string]any{"id": float64(7), "items": []any{float64(1), float64(2)}}, resp.HTTP.Body)
}

func TestRESTRunnerHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := &RESTRunner{Client: NewHTTPClient(log.Discard())}
	_, err := r.Run(ctx, &flow.Step{
		Name:  "slow",
		Type:  flow.StepTypeREST,
		Input: flow.StepInput{REST: &flow.RESTInput{URL: srv.URL}},
	}, testContext())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGraphQLRunner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		if req.Variables["id"] == "missing" {
			_, _ = io.WriteString(w, `{"data": null, "errors": [{"message": "user not found", "path": ["user"]}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"data": {"user": {"id": "`+req.Variables["id"].(string)+`"}}}`)
	}))
	defer srv.Close()

	r := &GraphQLRunner{Client: NewHTTPClient(log.Discard())}
	step := func(id string) *flow.Step {
		return &flow.Step{
			Name: "user",
			Type: flow.StepTypeGraphQL,
			Input: flow.StepInput{GraphQL: &flow.GraphQLInput{
				Endpoint:  srv.URL,
				Query:     "query($id: ID!) { user(id: $id) { id } }",
				Variables: map[string]any{"id": id},
			}},
		}
	}

	resp, err := r.Run(context.Background(), step("{{ user }}"), testContext())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": map[string]any{"id": "42"}}, resp.GraphQL.Data)

	resp, err = r.Run(context.Background(), step("missing"), testContext())
	var ge *GraphQLErrors
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "user not found", ge.Errors[0].Message)
	require.NotNil(t, resp)
}

func TestDatabaseRunner(t *testing.T) {
	r := NewDatabaseRunner()
	t.Cleanup(func() { _ = r.Close() })
	dsn := filepath.Join(t.TempDir(), "steps.db")

	run := func(query string, args ...any) (*flow.Response, error) {
		return r.Run(context.Background(), &flow.Step{
			Name:  "sql",
			Type:  flow.StepTypeDatabase,
			Input: flow.StepInput{Database: &flow.DatabaseInput{Driver: "sqlite", DSN: dsn, Query: query, Args: args}},
		}, testContext())
	}

	_, err := run("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	resp, err := run("INSERT INTO users (name) VALUES (?), (?)", "ada", "{{host}}")
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.RowsAffected)

	resp, err = run("SELECT id, name FROM users ORDER BY id")
	require.NoError(t, err)
	require.Len(t, resp.Rows, 2)
	assert.Equal(t, "ada", resp.Rows[0]["name"])
	assert.Equal(t, "api.local", resp.Rows[1]["name"])

	_, err = run("SELECT * FROM nope")
	assert.Error(t, err)
}

func TestNoopRunner(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		attempt int
		wantErr bool
	}{
		{"echo", map[string]any{"msg": "{{host}}"}, 0, false},
		{"fail", map[string]any{"fail": true}, 0, true},
		{"fail message", map[string]any{"fail": "boom"}, 0, true},
		{"fail first attempt", map[string]any{"failTimes": 1}, 0, true},
		{"second attempt passes", map[string]any{"failTimes": 1}, 1, false},
		{"delay", map[string]any{"delay": "1ms"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := testContext()
			sc.Attempt = tt.attempt
			resp, err := NoopRunner{}.Run(context.Background(), &flow.Step{
				Name: "n", Type: flow.StepTypeNoop, Input: flow.StepInput{Other: tt.input},
			}, sc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, flow.KindOther, resp.Kind)
		})
	}

	resp, err := NoopRunner{}.Run(context.Background(), &flow.Step{
		Type: flow.StepTypeNoop, Input: flow.StepInput{Other: map[string]any{"msg": "{{host}}"}},
	}, testContext())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "api.local"}, resp.Data)
}

func TestNoopDelayHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NoopRunner{}.Run(ctx, &flow.Step{
		Type: flow.StepTypeNoop, Input: flow.StepInput{Other: map[string]any{"delay": "1h"}},
	}, testContext())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry(t *testing.T) {
	r := NewBuiltinRegistry(log.Discard())
	t.Cleanup(func() { _ = r.Close() })
	assert.Equal(t, []string{"database", "graphql", "noop", "rest"}, r.Types())

	_, err := r.Run(context.Background(), &flow.Step{Name: "x", Type: "soap"}, testContext())
	var ve *flowerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "type", ve.Field)

	r.Register("soap", RunnerFunc(func(ctx context.Context, s *flow.Step, sc *Context) (*flow.Response, error) {
		return &flow.Response{Kind: flow.KindOther, Data: "ok"}, nil
	}))
	resp, err := r.Run(context.Background(), &flow.Step{Name: "x", Type: "soap"}, testContext())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Data)
}

func TestSanitizeURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://x/y?api_key=secret&page=2", nil)
	got := sanitizeURL(req.URL)
	assert.Contains(t, got, "api_key=%5BREDACTED%5D")
	assert.Contains(t, got, "page=2")
	assert.NotContains(t, got, "secret")
}
