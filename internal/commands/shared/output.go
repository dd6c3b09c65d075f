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

package shared

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/tombee/testflow/pkg/flow"
)

// PrintState writes a human-readable summary of st.
func PrintState(w io.Writer, st *flow.ExecutionState) {
	fmt.Fprintf(w, "Flow:    %s (%s)\n", st.FlowID, st.FlowName)
	fmt.Fprintf(w, "Status:  %s\n", st.Status)
	if !st.Metrics.StartTime.IsZero() {
		end := st.Metrics.EndTime
		if end.IsZero() {
			end = time.Now()
		}
		fmt.Fprintf(w, "Elapsed: %s\n", end.Sub(st.Metrics.StartTime).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Retries: %d task, %d flow\n", st.Metrics.RetryCount, st.Metrics.FlowRetries)
	if st.Error != "" {
		fmt.Fprintf(w, "Error:   %s (%s)\n", st.Error, st.ErrorType)
	}
	for _, r := range st.Resources {
		fmt.Fprintf(w, "Holds:   %s %s capacity=%d\n", r.Type, r.ID, r.Capacity)
	}
	if st.Result != nil {
		fmt.Fprintln(w)
		PrintSteps(w, st.Result.Steps)
	}
}

// PrintSteps writes one row per step.
func PrintSteps(w io.Writer, steps []flow.StepResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tTYPE\tSTATUS\tATTEMPTS\tDURATION\tERROR")
	for _, s := range steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.Name, s.Type, s.Status, s.Attempts, s.Duration.Round(time.Millisecond), s.Error)
	}
	tw.Flush()
}

// PrintResults writes one row per flow result.
func PrintResults(w io.Writer, results []*flow.ExecutionResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FLOW\tSTATUS\tSTEPS\tRETRIES\tDURATION\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			r.FlowID, r.Status, r.Metrics.SuccessfulSteps, r.Metrics.TotalSteps,
			r.RetryCount, r.Duration.Round(time.Millisecond), r.Error)
	}
	tw.Flush()
}
