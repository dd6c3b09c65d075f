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

// Package loader reads flow definitions from YAML files.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// Extensions are the file extensions treated as flow files.
var Extensions = []string{".yaml", ".yml"}

// IsFlowFile reports whether path has a flow file extension.
func IsFlowFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Parse decodes a flow definition. source names the definition in errors
// and supplies the default id.
func Parse(data []byte, source string) (*flow.TestFlow, error) {
	var f flow.TestFlow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &flowerrors.ValidationError{
			Field:   source,
			Message: fmt.Sprintf("invalid flow definition: %v", err),
		}
	}

	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	if f.ID == "" {
		f.ID = stem
	}
	if f.Name == "" {
		f.Name = f.ID
	}
	if f.Status == "" {
		f.Status = flow.StatusPending
	}

	if err := f.Validate(); err != nil {
		return nil, flowerrors.Wrapf(err, "%s", source)
	}
	return &f, nil
}

// LoadFile reads and validates the flow at path.
func LoadFile(path string) (*flow.TestFlow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading flow file: %w", err)
	}
	f, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil {
		if f.CreatedAt.IsZero() {
			f.CreatedAt = info.ModTime()
		}
		f.UpdatedAt = info.ModTime()
	}
	return f, nil
}

// Expand resolves doublestar patterns to a sorted, de-duplicated list of
// flow files. A pattern naming a directory matches every flow file below
// it. A plain path that does not exist is an error.
func Expand(patterns ...string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] && IsFlowFile(p) {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, pattern := range patterns {
		if info, err := os.Stat(pattern); err == nil && info.IsDir() {
			pattern = filepath.Join(pattern, "**", "*")
		}
		if !hasMeta(pattern) {
			if _, err := os.Stat(pattern); err != nil {
				return nil, fmt.Errorf("flow file %s: %w", pattern, err)
			}
			add(pattern)
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			add(m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// LoadGlob loads every flow matched by patterns. Flow ids must be unique.
func LoadGlob(patterns ...string) ([]*flow.TestFlow, error) {
	paths, err := Expand(patterns...)
	if err != nil {
		return nil, err
	}

	flows := make([]*flow.TestFlow, 0, len(paths))
	ids := make(map[string]string, len(paths))
	for _, p := range paths {
		f, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		if prev, dup := ids[f.ID]; dup {
			return nil, &flowerrors.ValidationError{
				Field:   "id",
				Message: fmt.Sprintf("flow id %q is defined by both %s and %s", f.ID, prev, p),
			}
		}
		ids[f.ID] = p
		flows = append(flows, f)
	}
	return flows, nil
}

// Match reports whether path matches pattern, trying the full path and
// then the base name.
func Match(pattern, path string) bool {
	if ok, _ := doublestar.PathMatch(pattern, path); ok {
		return true
	}
	ok, _ := doublestar.Match(pattern, filepath.Base(path))
	return ok
}
