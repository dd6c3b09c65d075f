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

package completion

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/testflow/internal/loader"
)

const (
	maxFlowFiles   = 100
	maxSearchDepth = 2
)

// FlowFiles completes flow file paths below the current directory, newest
// first. Files must parse as flows to be offered.
func FlowFiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	root := "."
	if dir := filepath.Dir(toComplete); toComplete != "" && dir != "." {
		root = dir
	}
	paths := discover(root, maxSearchDepth)
	if len(paths) == 0 {
		return nil, cobra.ShellCompDirectiveDefault
	}
	out := paths[:0]
	for _, p := range paths {
		if strings.HasPrefix(p, toComplete) {
			out = append(out, p)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

type candidate struct {
	path    string
	modTime int64
}

func discover(root string, maxDepth int) []string {
	var found []candidate
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if rel, err := filepath.Rel(root, path); err == nil && rel != "." &&
				strings.Count(rel, string(filepath.Separator))+1 >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !loader.IsFlowFile(path) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if _, err := loader.Parse(data, path); err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found = append(found, candidate{path: path, modTime: info.ModTime().UnixNano()})
		return nil
	})

	sort.Slice(found, func(i, j int) bool { return found[i].modTime > found[j].modTime })
	if len(found) > maxFlowFiles {
		found = found[:maxFlowFiles]
	}
	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = c.path
	}
	return paths
}
