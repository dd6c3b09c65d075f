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
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/tombee/testflow/pkg/flow"
)

// AssertionError lists every expectation a response failed.
type AssertionError struct {
	Step     string
	Failures []string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("step %s failed %d expectation(s): %s",
		e.Step, len(e.Failures), strings.Join(e.Failures, "; "))
}

// Validator checks responses against step expectations. Compiled jq and
// expr programs are cached, so one Validator should be shared.
type Validator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	queries  map[string]*gojq.Code
}

// NewValidator returns a Validator with empty caches.
func NewValidator() *Validator {
	return &Validator{
		programs: make(map[string]*vm.Program),
		queries:  make(map[string]*gojq.Code),
	}
}

// Validate returns nil if resp meets s.Expected. Without an explicit status
// expectation, HTTP responses must be below 400.
func (v *Validator) Validate(ctx context.Context, s *flow.Step, resp *flow.Response) error {
	exp := s.Expected
	if exp == nil {
		exp = &flow.Expectation{}
	}

	var failures []string

	if resp != nil && resp.HTTP != nil {
		switch {
		case exp.Status != 0 && resp.HTTP.Status != exp.Status:
			failures = append(failures, fmt.Sprintf("status: expected %d, got %d", exp.Status, resp.HTTP.Status))
		case exp.Status == 0 && resp.HTTP.Status >= 400:
			failures = append(failures, fmt.Sprintf("status: got %d", resp.HTTP.Status))
		}
	}

	if exp.RowCount != nil {
		got := 0
		if resp != nil {
			got = len(resp.Rows)
		}
		if got != *exp.RowCount {
			failures = append(failures, fmt.Sprintf("rowCount: expected %d, got %d", *exp.RowCount, got))
		}
	}

	if len(exp.Values) > 0 {
		doc, err := normalize(resp.Document())
		if err != nil {
			return err
		}
		paths := make([]string, 0, len(exp.Values))
		for p := range exp.Values {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, path := range paths {
			want, err := normalize(exp.Values[path])
			if err != nil {
				return err
			}
			got, err := v.Query(ctx, path, doc)
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", path, err))
				continue
			}
			if !reflect.DeepEqual(got, want) {
				failures = append(failures, fmt.Sprintf("%s: expected %v, got %v", path, want, got))
			}
		}
	}

	if len(exp.Assertions) > 0 {
		envValue, err := normalize(resp.Env())
		if err != nil {
			return err
		}
		env, _ := envValue.(map[string]any)
		for _, a := range exp.Assertions {
			ok, err := v.Assert(a, env)
			switch {
			case err != nil:
				failures = append(failures, fmt.Sprintf("%s: %v", a, err))
			case !ok:
				failures = append(failures, a)
			}
		}
	}

	if len(failures) > 0 {
		return &AssertionError{Step: s.Name, Failures: failures}
	}
	return nil
}

// Query runs a jq expression against doc. A single result is returned
// directly; several are returned as a slice.
func (v *Validator) Query(ctx context.Context, expression string, doc any) (any, error) {
	code, err := v.compileQuery(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, doc)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, err
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (v *Validator) compileQuery(expression string) (*gojq.Code, error) {
	v.mu.RLock()
	code, ok := v.queries[expression]
	v.mu.RUnlock()
	if ok {
		return code, nil
	}

	q, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err = gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	v.mu.Lock()
	v.queries[expression] = code
	v.mu.Unlock()
	return code, nil
}

// Assert evaluates a boolean expr expression against env.
func (v *Validator) Assert(expression string, env map[string]any) (bool, error) {
	program, err := v.compileAssertion(expression)
	if err != nil {
		return false, fmt.Errorf("failed to compile expression: %w", err)
	}

	evalEnv := make(map[string]any, len(env)+len(assertionFunctions))
	for k, val := range env {
		evalEnv[k] = val
	}
	for name, fn := range assertionFunctions {
		evalEnv[name] = fn
	}

	out, err := expr.Run(program, evalEnv)
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression must return boolean, got %T", out)
	}
	return b, nil
}

func (v *Validator) compileAssertion(expression string) (*vm.Program, error) {
	v.mu.RLock()
	prog, ok := v.programs[expression]
	v.mu.RUnlock()
	if ok {
		return prog, nil
	}

	env := make(map[string]any, len(assertionFunctions))
	for name, fn := range assertionFunctions {
		env[name] = fn
	}
	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.programs[expression] = prog
	v.mu.Unlock()
	return prog, nil
}

// CheckExpectation compiles every jq path and assertion in exp so flow
// loading can reject bad expressions early.
func (v *Validator) CheckExpectation(exp *flow.Expectation) error {
	if exp == nil {
		return nil
	}
	for path := range exp.Values {
		if _, err := v.compileQuery(path); err != nil {
			return err
		}
	}
	for _, a := range exp.Assertions {
		if _, err := v.compileAssertion(a); err != nil {
			return fmt.Errorf("invalid assertion %q: %w", a, err)
		}
	}
	return nil
}

// normalize converts v into the plain JSON shapes gojq and DeepEqual
// compare reliably: maps of any, slices of any, float64 numbers.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize response: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize response: %w", err)
	}
	return out, nil
}

// assertionFunctions extend expr for response checks. expr reserves
// contains, in and matches, so the names differ.
var assertionFunctions = map[string]any{
	"has":   hasOp,
	"match": matchOp,
}

func hasOp(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}
	haystack, needle := args[0], args[1]
	switch h := haystack.(type) {
	case nil:
		return false, nil
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s), nil
	case []any:
		for _, item := range h {
			if reflect.DeepEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false, nil
		}
		_, found := h[key]
		return found, nil
	}
	return false, fmt.Errorf("has: unsupported type %T", haystack)
}

func matchOp(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("match requires exactly 2 arguments, got %d", len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return false, fmt.Errorf("match: first argument must be a string, got %T", args[0])
	}
	pattern, ok := args[1].(string)
	if !ok {
		return false, fmt.Errorf("match: second argument must be a string pattern, got %T", args[1])
	}
	return regexp.MatchString(pattern, s)
}
