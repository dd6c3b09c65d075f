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

// Package validate implements the testflow validate command.
package validate

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tombee/testflow/internal/commands/completion"
	"github.com/tombee/testflow/internal/commands/shared"
	"github.com/tombee/testflow/internal/loader"
	"github.com/tombee/testflow/internal/step"
)

// FileResult is the outcome of checking one flow file.
type FileResult struct {
	Path   string   `json:"path"`
	FlowID string   `json:"flow_id,omitempty"`
	Steps  int      `json:"steps"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pattern>...",
		Short: "Check flow files without running them",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Validate parses each matched flow file and checks it the way the
executor would before running. Required fields must be present, every step
type needs a registered runner, and assertion and query expressions must
compile.

No steps are executed.`,
		Example: `  testflow validate flows/login.yaml
  testflow validate 'flows/**/*.yaml' --json`,
		Args:              cobra.MinimumNArgs(1),
		ValidArgsFunction: completion.FlowFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args)
		},
	}
}

func runValidate(cmd *cobra.Command, patterns []string) error {
	paths, err := loader.Expand(patterns...)
	if err != nil {
		return shared.NewInvalidFlowError("cannot expand patterns", err)
	}
	if len(paths) == 0 {
		return shared.NewInvalidFlowError(fmt.Sprintf("no flow files match %v", patterns), nil)
	}

	registry := step.NewBuiltinRegistry(slog.New(slog.DiscardHandler))
	defer registry.Close()
	validator := step.NewValidator()

	results := make([]FileResult, 0, len(paths))
	invalid := 0
	for _, p := range paths {
		r := Check(p, registry, validator)
		if !r.Valid {
			invalid++
		}
		results = append(results, r)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			Valid   int          `json:"valid"`
			Invalid int          `json:"invalid"`
			Results []FileResult `json:"results"`
		}{
			JSONResponse: shared.NewResponse("validate", invalid == 0),
			Valid:        len(results) - invalid,
			Invalid:      invalid,
			Results:      results,
		}
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else if !shared.GetQuiet() || invalid > 0 {
		printResults(out, results)
	}

	if invalid > 0 {
		return shared.NewInvalidFlowError(fmt.Sprintf("%d of %d flow files are invalid", invalid, len(results)), nil)
	}
	return nil
}

// Check loads path and verifies every step can be run by registry.
func Check(path string, registry *step.Registry, validator *step.Validator) FileResult {
	r := FileResult{Path: path}
	f, err := loader.LoadFile(path)
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
		return r
	}
	r.FlowID = f.ID
	r.Steps = len(f.Config.Steps)

	for i := range f.Config.Steps {
		s := &f.Config.Steps[i]
		if _, ok := registry.Lookup(s.Type); !ok {
			r.Errors = append(r.Errors, fmt.Sprintf("step %q: no runner for type %q", s.Name, s.Type))
		}
		if err := validator.CheckExpectation(s.Expected); err != nil {
			r.Errors = append(r.Errors, fmt.Sprintf("step %q: %v", s.Name, err))
		}
	}
	r.Valid = len(r.Errors) == 0
	return r
}

func printResults(w io.Writer, results []FileResult) {
	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(w, "ok      %s (%s, %d steps)\n", r.Path, r.FlowID, r.Steps)
			continue
		}
		fmt.Fprintf(w, "invalid %s\n", r.Path)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
}
