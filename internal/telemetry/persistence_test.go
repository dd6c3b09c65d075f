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

package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPersistenceError(t *testing.T) {
	tests := []struct {
		operation string
		errorType string
		times     int
	}{
		{OpWrite, "internal", 1},
		{OpRead, "timeout", 1},
		{OpWrite, "cancelled", 5},
	}

	for _, tt := range tests {
		t.Run(tt.operation+"/"+tt.errorType, func(t *testing.T) {
			labels := prometheus.Labels{"operation": tt.operation, "error_type": tt.errorType}
			before := testutil.ToFloat64(persistenceErrors.With(labels))

			for i := 0; i < tt.times; i++ {
				RecordPersistenceError(tt.operation, tt.errorType)
			}

			after := testutil.ToFloat64(persistenceErrors.With(labels))
			assert.Equal(t, before+float64(tt.times), after)
		})
	}
}
