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

// Package cli assembles the testflow command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/testflow/internal/commands/batch"
	"github.com/tombee/testflow/internal/commands/completion"
	"github.com/tombee/testflow/internal/commands/run"
	"github.com/tombee/testflow/internal/commands/serve"
	"github.com/tombee/testflow/internal/commands/shared"
	"github.com/tombee/testflow/internal/commands/state"
	"github.com/tombee/testflow/internal/commands/validate"
	"github.com/tombee/testflow/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testflow",
		Short: "testflow - test flow orchestration",
		Long: `testflow runs test flows: ordered REST, GraphQL and database steps
with response validation, under resource limits, retries and timeouts.

Run 'testflow run <file>' to execute one flow.
Run 'testflow batch <pattern>' to execute many flows at once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/testflow/config.yaml)")

	cmd.AddCommand(
		run.NewCommand(),
		batch.NewCommand(),
		serve.NewCommand(),
		state.NewCommand(),
		validate.NewCommand(),
		completion.NewCommand(),
		version.NewCommand(),
	)
	cmd.SetHelpCommand(NewHelpCommand(cmd))
	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
