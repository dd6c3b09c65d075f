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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/testflow/internal/commands/shared"
)

// CommandMetadata describes a command for JSON help.
type CommandMetadata struct {
	Name     string         `json:"name"`
	Short    string         `json:"short"`
	Long     string         `json:"long,omitempty"`
	Usage    string         `json:"usage"`
	Flags    []FlagMetadata `json:"flags,omitempty"`
	Examples string         `json:"examples,omitempty"`
	Group    string         `json:"group,omitempty"`
}

// FlagMetadata describes a flag for JSON help.
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
}

// HelpResponse is the JSON response for help command
type HelpResponse struct {
	shared.JSONResponse
	Commands    []CommandMetadata `json:"commands,omitempty"`
	Command     *CommandMetadata  `json:"command,omitempty"`
	GlobalFlags []FlagMetadata    `json:"global_flags,omitempty"`
}

// NewHelpCommand creates the help command. With --json it prints
// machine-readable command metadata.
func NewHelpCommand(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if !shared.GetJSON() {
					return root.Help()
				}
				var commands []CommandMetadata
				for _, c := range root.Commands() {
					if c.Hidden || c.Name() == "help" {
						continue
					}
					commands = append(commands, describe(c))
				}
				return shared.EmitJSON(cmd.OutOrStdout(), HelpResponse{
					JSONResponse: shared.NewResponse("help", true),
					Commands:     commands,
					GlobalFlags:  flags(root.PersistentFlags()),
				})
			}

			target, _, err := root.Find(args)
			if err != nil || target == root {
				return fmt.Errorf("command %q not found", args[0])
			}
			if !shared.GetJSON() {
				return target.Help()
			}
			meta := describe(target)
			return shared.EmitJSON(cmd.OutOrStdout(), HelpResponse{
				JSONResponse: shared.NewResponse("help "+target.Name(), true),
				Command:      &meta,
				GlobalFlags:  flags(root.PersistentFlags()),
			})
		},
	}
}

func describe(cmd *cobra.Command) CommandMetadata {
	return CommandMetadata{
		Name:     cmd.Name(),
		Short:    cmd.Short,
		Long:     cmd.Long,
		Usage:    cmd.UseLine(),
		Flags:    flags(cmd.LocalNonPersistentFlags()),
		Examples: cmd.Example,
		Group:    cmd.Annotations["group"],
	}
}

func flags(fs *pflag.FlagSet) []FlagMetadata {
	var out []FlagMetadata
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		out = append(out, FlagMetadata{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Usage:     f.Usage,
			Default:   f.DefValue,
		})
	})
	return out
}
