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

// Package run implements the testflow run command.
package run

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/testflow/internal/commands/completion"
	"github.com/tombee/testflow/internal/commands/shared"
	"github.com/tombee/testflow/internal/loader"
	"github.com/tombee/testflow/pkg/flow"
)

type options struct {
	timeout      time.Duration
	retries      int
	drainTimeout time.Duration
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	opts := options{retries: -1}

	cmd := &cobra.Command{
		Use:   "run <flow-file>",
		Short: "Run one test flow and wait for the result",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run loads a flow file, tracks it through admission, resource
allocation and execution, and prints the final state.

The exit code is 0 when the flow completes and 1 when it fails or is
cancelled. An invalid flow file exits with 2.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.FlowFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, args[0], opts)
		},
	}

	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Override the flow timeout")
	cmd.Flags().IntVar(&opts.retries, "retries", -1, "Override the task-level retry count")
	cmd.Flags().DurationVar(&opts.drainTimeout, "drain-timeout", 10*time.Second, "Time allowed for cleanup after the flow finishes")
	return cmd
}

func runFlow(cmd *cobra.Command, path string, opts options) error {
	f, err := loader.LoadFile(path)
	if err != nil {
		return shared.NewInvalidFlowError("cannot load flow", err)
	}
	if opts.timeout > 0 {
		f.Config.Timeout = opts.timeout
	}
	if opts.retries >= 0 {
		f.Config.Retries = opts.retries
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

	o, err := shared.NewOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.drainTimeout)
		defer cancel()
		_ = o.Close(closeCtx)
	}()

	st, err := o.TrackFlow(ctx, f)
	if err != nil {
		return shared.NewFlowFailedError("flow was not admitted", err)
	}

	if shared.GetJSON() {
		if err := shared.EmitJSON(cmd.OutOrStdout(), struct {
			shared.JSONResponse
			State *flow.ExecutionState `json:"state"`
		}{shared.NewResponse("run", st.Status == flow.StatusCompleted), st}); err != nil {
			return err
		}
	} else {
		shared.PrintState(cmd.OutOrStdout(), st)
	}

	if st.Status != flow.StatusCompleted {
		return shared.NewFlowFailedError(fmt.Sprintf("flow %s finished %s", f.ID, st.Status), nil)
	}
	return nil
}
