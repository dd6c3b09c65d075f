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
	"errors"
	"fmt"
	"time"

	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// NoopRunner echoes its input. It understands three optional keys:
//
//	delay: "250ms"   sleep before returning
//	fail: true       fail every attempt (a string sets the message)
//	failTimes: 2     fail the first N attempts
type NoopRunner struct{}

func (NoopRunner) Run(ctx context.Context, s *flow.Step, sc *Context) (*flow.Response, error) {
	in := s.Input.Other

	if d, ok := in["delay"]; ok {
		delay, err := parseDelay(d)
		if err != nil {
			return nil, &flowerrors.ValidationError{Field: "input.delay", Message: err.Error()}
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	if n, ok := in["failTimes"]; ok {
		if times, ok := toInt(n); ok && sc != nil && sc.Attempt < times {
			return nil, fmt.Errorf("noop failure %d of %d", sc.Attempt+1, times)
		}
	}

	switch f := in["fail"].(type) {
	case bool:
		if f {
			return nil, errors.New("noop step configured to fail")
		}
	case string:
		if f != "" {
			return nil, errors.New(f)
		}
	}

	echo := make(map[string]any, len(in))
	for k, v := range in {
		echo[k] = sc.RenderValue(v)
	}
	return &flow.Response{Kind: flow.KindOther, Data: echo}, nil
}

func parseDelay(v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		return time.ParseDuration(d)
	case int:
		return time.Duration(d) * time.Millisecond, nil
	case float64:
		return time.Duration(d) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("invalid delay %v", v)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func missingInput(s *flow.Step) error {
	return &flowerrors.ValidationError{
		Field:   "input",
		Message: fmt.Sprintf("step %s has no %s input", s.Name, s.Type),
	}
}
