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
	"fmt"
	"net/http"
	"strings"

	"github.com/tombee/testflow/pkg/flow"
)

// GraphQLRunner posts a GraphQL operation. A non-empty errors array in the
// result fails the step.
type GraphQLRunner struct {
	Client *http.Client
}

// GraphQLErrors is returned when the server reports errors.
type GraphQLErrors struct {
	Errors []flow.GraphQLError
}

func (e *GraphQLErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ge := range e.Errors {
		msgs[i] = ge.Message
	}
	return "graphql errors: " + strings.Join(msgs, "; ")
}

func (r *GraphQLRunner) Run(ctx context.Context, s *flow.Step, sc *Context) (*flow.Response, error) {
	in := s.Input.GraphQL
	if in == nil {
		return nil, missingInput(s)
	}

	payload := map[string]any{"query": in.Query}
	if len(in.Variables) > 0 {
		payload["variables"] = sc.RenderValue(map[string]any(in.Variables))
	}
	if in.OperationName != "" {
		payload["operationName"] = in.OperationName
	}

	status, headers, body, err := doJSON(ctx, r.Client, http.MethodPost, sc.Render(in.Endpoint),
		sc.RenderMap(in.Headers), payload)
	if err != nil {
		return nil, err
	}

	resp := &flow.Response{
		Kind:    flow.KindGraphQL,
		HTTP:    &flow.HTTPResponse{Status: status, Headers: headers, Body: body},
		GraphQL: &flow.GraphQLResponse{},
	}
	if body != nil {
		// Re-decode the generic body into the typed envelope.
		raw, err := json.Marshal(body)
		if err == nil {
			_ = json.Unmarshal(raw, resp.GraphQL)
		}
	}

	if len(resp.GraphQL.Errors) > 0 {
		return resp, &GraphQLErrors{Errors: resp.GraphQL.Errors}
	}
	if status >= 400 {
		return resp, fmt.Errorf("graphql endpoint returned HTTP %d", status)
	}
	return resp, nil
}
