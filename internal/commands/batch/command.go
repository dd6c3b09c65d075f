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

// Package batch implements the testflow batch command.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/testflow/internal/commands/completion"
	"github.com/tombee/testflow/internal/commands/shared"
	"github.com/tombee/testflow/internal/loader"
	"github.com/tombee/testflow/internal/orchestrator"
	"github.com/tombee/testflow/pkg/flow"
)

// NewCommand creates the batch command
func NewCommand() *cobra.Command {
	var opts orchestrator.BatchOptions

	cmd := &cobra.Command{
		Use:   "batch <pattern>...",
		Short: "Run a batch of flows concurrently and wait for all results",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Batch expands each pattern (a file, a directory or a ** glob), runs
every flow under a concurrency limit and prints one result per flow.

A failing flow never stops its siblings. The exit code is 1 when any flow
did not complete.`,
		Example: `  testflow batch 'flows/**/*.yaml' --max-concurrent 10
  testflow batch flows/smoke --priority-groups --timeout 2m`,
		Args:              cobra.MinimumNArgs(1),
		ValidArgsFunction: completion.FlowFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, args, opts)
		},
	}

	cmd.Flags().IntVar(&opts.MaxConcurrent, "max-concurrent", 0, "Flows running at once (default from config)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Per-flow timeout including retries (default from config)")
	cmd.Flags().BoolVar(&opts.PriorityGroups, "priority-groups", false, "Start flows in descending parameters.priority")
	cmd.Flags().BoolVar(&opts.ParallelSteps, "parallel-steps", false, "Run each flow's steps concurrently")
	cmd.Flags().IntVar(&opts.MaxRetries, "retries", 0, "Flow re-runs after failure; -1 disables (default from config)")
	cmd.Flags().Float64Var(&opts.LaunchRate, "launch-rate", 0, "Maximum flow starts per second")
	return cmd
}

func runBatch(cmd *cobra.Command, patterns []string, opts orchestrator.BatchOptions) error {
	flows, err := loader.LoadGlob(patterns...)
	if err != nil {
		return shared.NewInvalidFlowError("cannot load flows", err)
	}
	if len(flows) == 0 {
		return shared.NewInvalidFlowError(fmt.Sprintf("no flow files match %v", patterns), nil)
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := shared.NewLogger(cfg, cmd.ErrOrStderr())

	o, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(logger))
	if err != nil {
		return shared.NewConfigError("cannot create orchestrator", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = o.Close(closeCtx)
	}()

	results := o.ExecuteBatch(ctx, flows, opts)
	failed := 0
	for _, r := range results {
		if r.Status != flow.StatusCompleted {
			failed++
		}
	}

	if shared.GetJSON() {
		if err := shared.EmitJSON(cmd.OutOrStdout(), struct {
			shared.JSONResponse
			Completed int                     `json:"completed"`
			Failed    int                     `json:"failed"`
			Results   []*flow.ExecutionResult `json:"results"`
		}{shared.NewResponse("batch", failed == 0), len(results) - failed, failed, results}); err != nil {
			return err
		}
	} else {
		shared.PrintResults(cmd.OutOrStdout(), results)
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d completed, %d failed\n", len(results)-failed, failed)
	}

	if failed > 0 {
		return shared.NewFlowFailedError(fmt.Sprintf("%d of %d flows did not complete", failed, len(results)), nil)
	}
	return nil
}
