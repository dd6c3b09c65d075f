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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// persistenceErrors tracks durable-store failures the state store
	// tolerated or surfaced.
	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testflow_persistence_errors_total",
			Help: "Total number of flow record persistence errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
)

// Persistence operations.
const (
	OpRead  = "read"
	OpWrite = "write"
	OpList  = "list"
)

// RecordPersistenceError increments the persistence error counter.
// errorType is a classifier type such as "not_found", "timeout" or "internal".
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}
