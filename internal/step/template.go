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
	"fmt"
	"os"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// lookup resolves a placeholder name. Names prefixed with env. read the
// process environment; params. reads parameters; bare names try flow
// variables then parameters.
func (sc *Context) lookup(name string) (string, bool) {
	switch {
	case strings.HasPrefix(name, "env."):
		return os.LookupEnv(strings.TrimPrefix(name, "env."))
	case strings.HasPrefix(name, "params."):
		v, ok := sc.Parameters[strings.TrimPrefix(name, "params.")]
		if !ok {
			return "", false
		}
		return fmt.Sprint(v), true
	}
	if v, ok := sc.Variables[name]; ok {
		return v, true
	}
	if v, ok := sc.Parameters[name]; ok {
		return fmt.Sprint(v), true
	}
	return "", false
}

// Render replaces {{ name }} placeholders in s. Unknown names are left as
// written.
func (sc *Context) Render(s string) string {
	if sc == nil || !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := sc.lookup(name); ok {
			return v
		}
		return m
	})
}

// RenderMap renders every value of m into a new map.
func (sc *Context) RenderMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = sc.Render(v)
	}
	return out
}

// RenderValue renders strings nested anywhere inside v.
func (sc *Context) RenderValue(v any) any {
	switch val := v.(type) {
	case string:
		return sc.Render(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = sc.RenderValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sc.RenderValue(item)
		}
		return out
	default:
		return v
	}
}
