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

// Package state implements the testflow state command.
package state

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/testflow/internal/backend"
	"github.com/tombee/testflow/internal/commands/shared"
	"github.com/tombee/testflow/internal/orchestrator"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// NewCommand creates the state command
func NewCommand() *cobra.Command {
	var (
		list   bool
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "state [flow-id]",
		Short: "Show stored execution state",
		Annotations: map[string]string{
			"group": "inspection",
		},
		Long: `State reads flow records from the configured backend. Give a flow id
to show one record, or --list to show many.

The memory backend only holds flows run by the current process, so this
command is useful with sqlite, postgres, redis or dynamodb storage.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list || len(args) == 0 {
				return listStates(cmd, flow.Status(strings.ToUpper(status)), limit)
			}
			return showState(cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List stored flows")
	cmd.Flags().StringVar(&status, "status", "", "Only list flows with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum flows to list")
	return cmd
}

func open(cmd *cobra.Command) (context.Context, *orchestrator.Orchestrator, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	o, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(shared.NewLogger(cfg, cmd.ErrOrStderr())))
	if err != nil {
		return nil, nil, shared.NewConfigError("cannot open state storage", err)
	}
	return ctx, o, nil
}

func closeQuietly(ctx context.Context, o *orchestrator.Orchestrator) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = o.Close(closeCtx)
}

func showState(cmd *cobra.Command, flowID string) error {
	ctx, o, err := open(cmd)
	if err != nil {
		return err
	}
	defer closeQuietly(ctx, o)

	st, err := o.GetFlowState(ctx, flowID)
	if err != nil {
		if flowerrors.IsNotFound(err) {
			return shared.NewFlowFailedError(fmt.Sprintf("no state for flow %q", flowID), nil)
		}
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), struct {
			shared.JSONResponse
			State *flow.ExecutionState `json:"state"`
		}{shared.NewResponse("state", true), st})
	}
	shared.PrintState(cmd.OutOrStdout(), st)
	return nil
}

func listStates(cmd *cobra.Command, status flow.Status, limit int) error {
	if status != "" && !status.Valid() {
		return &flowerrors.ValidationError{
			Field:      "status",
			Message:    fmt.Sprintf("unknown status %q", status),
			Suggestion: "use PENDING, RUNNING, COMPLETED, FAILED or CANCELLED",
		}
	}
	ctx, o, err := open(cmd)
	if err != nil {
		return err
	}
	defer closeQuietly(ctx, o)

	records, err := o.ListFlows(ctx, backend.RecordFilter{Status: status, Limit: limit})
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), struct {
			shared.JSONResponse
			Flows []*backend.FlowRecord `json:"flows"`
		}{shared.NewResponse("state", true), records})
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FLOW\tNAME\tSTATUS\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Status, r.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
