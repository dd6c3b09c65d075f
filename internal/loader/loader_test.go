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

package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

const checkoutFlow = `
name: checkout
flowType: api
config:
  timeout: 2m
  retries: 1
  parameters:
    priority: 3
  environment:
    name: staging
    variables:
      HOST: shop.test
  resources:
    - type: cpu
      minimumCapacity: 10
  steps:
    - name: list
      type: rest
      input:
        method: GET
        url: http://{{ HOST }}/items
      expected:
        status: 200
        values:
          ".items | length": 2
    - name: wait
      type: noop
      timeout: 5s
      input:
        delay: 10ms
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "checkout.yaml", checkoutFlow)

	f, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "checkout", f.ID, "id defaults to the file stem")
	assert.Equal(t, "checkout", f.Name)
	assert.Equal(t, flow.StatusPending, f.Status)
	assert.Equal(t, 2*time.Minute, f.Config.Timeout)
	assert.Equal(t, 1, f.Config.Retries)
	assert.Equal(t, 3, f.Priority())
	assert.Equal(t, "shop.test", f.Config.Environment.Variables["HOST"])
	assert.False(t, f.UpdatedAt.IsZero())

	require.Len(t, f.Config.Steps, 2)
	rest := f.Config.Steps[0]
	require.NotNil(t, rest.Input.REST)
	assert.Equal(t, "http://{{ HOST }}/items", rest.Input.REST.URL)
	require.NotNil(t, rest.Expected)
	assert.Equal(t, 200, rest.Expected.Status)

	wait := f.Config.Steps[1]
	assert.Equal(t, 5*time.Second, wait.Timeout)
	assert.Equal(t, "10ms", wait.Input.Other["delay"])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "malformed", content: "config: [unclosed"},
		{name: "no steps", content: "name: x\nconfig:\n  steps: []\n"},
		{name: "rest without url", content: "name: x\nconfig:\n  steps:\n    - name: a\n      type: rest\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), "bad.yaml")
			var ve *flowerrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, err.Error(), "bad.yaml")
		})
	}
}

func TestExpandAndLoadGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", checkoutFlow)
	writeFile(t, dir, "nested/b.yml", "id: b\nname: b\nconfig:\n  steps:\n    - name: s\n      type: noop\n")
	writeFile(t, dir, "notes.txt", "ignored")

	paths, err := Expand(filepath.Join(dir, "**", "*.y*ml"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "nested", "b.yml")}, paths)

	paths, err = Expand(dir, filepath.Join(dir, "a.yaml"))
	require.NoError(t, err)
	assert.Len(t, paths, 2, "directories expand recursively and duplicates collapse")

	flows, err := LoadGlob(dir)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "a", flows[0].ID)
	assert.Equal(t, "b", flows[1].ID)

	_, err = Expand(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadGlobDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	flowBody := "id: same\nname: n\nconfig:\n  steps:\n    - name: s\n      type: noop\n"
	writeFile(t, dir, "one.yaml", flowBody)
	writeFile(t, dir, "two.yaml", flowBody)

	_, err := LoadGlob(filepath.Join(dir, "*.yaml"))
	var ve *flowerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "same")
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("*.yaml", "/flows/smoke.yaml"))
	assert.True(t, Match("/flows/**/*.yaml", "/flows/a/b.yaml"))
	assert.False(t, Match("*.yaml", "/flows/smoke.json"))
	assert.True(t, IsFlowFile("x.YML"))
}
