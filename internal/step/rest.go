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
	"net/http"
	"net/url"
	"strings"

	"github.com/tombee/testflow/pkg/flow"
)

// RESTRunner issues the HTTP request described by a rest step. Any status
// code is a successful run; the Validator decides whether it is acceptable.
type RESTRunner struct {
	Client *http.Client
}

func (r *RESTRunner) Run(ctx context.Context, s *flow.Step, sc *Context) (*flow.Response, error) {
	in := s.Input.REST
	if in == nil {
		return nil, missingInput(s)
	}

	method := in.Method
	if method == "" {
		method = s.Action
	}
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	target, err := url.Parse(sc.Render(in.URL))
	if err != nil {
		return nil, err
	}
	if len(in.Query) > 0 {
		q := target.Query()
		for k, v := range in.Query {
			q.Set(k, sc.Render(v))
		}
		target.RawQuery = q.Encode()
	}

	status, headers, body, err := doJSON(ctx, r.Client, method, target.String(),
		sc.RenderMap(in.Headers), sc.RenderValue(in.Body))
	if err != nil {
		return nil, err
	}
	return &flow.Response{
		Kind: flow.KindREST,
		HTTP: &flow.HTTPResponse{Status: status, Headers: headers, Body: body},
	}, nil
}
