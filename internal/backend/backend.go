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

// Package backend defines durable storage for flow records.
//
// # Interface Hierarchy
//
//   - RecordStore (core, required): ReadFlowRecord, WriteFlowRecord
//   - RecordLister (optional): ListFlowRecords, DeleteFlowRecord
//   - io.Closer (optional): Close
//
// The state store depends only on RecordStore; the CLI uses RecordLister
// when the backend supports it.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// RecordStore is the read/patch contract the orchestrator persists through.
type RecordStore interface {
	// ReadFlowRecord returns the record for id, or a *errors.NotFoundError.
	ReadFlowRecord(ctx context.Context, id string) (*FlowRecord, error)

	// WriteFlowRecord applies patch to the record for id, creating it if
	// it does not exist.
	WriteFlowRecord(ctx context.Context, id string, patch *RecordPatch) error
}

// RecordLister is an optional interface for listing and deleting records.
//
//	if lister, ok := store.(RecordLister); ok {
//	    recs, err := lister.ListFlowRecords(ctx, filter)
//	}
type RecordLister interface {
	ListFlowRecords(ctx context.Context, filter RecordFilter) ([]*FlowRecord, error)
	DeleteFlowRecord(ctx context.Context, id string) error
}

// Backend is implemented by every bundled driver.
type Backend interface {
	RecordStore
	RecordLister
	io.Closer
}

// FlowRecord is the durable form of a flow's execution state.
type FlowRecord struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Status    flow.Status          `json:"status"`
	State     *flow.ExecutionState `json:"state,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// RecordPatch lists the fields to change. Empty Name and Status and a nil
// State leave the stored values untouched.
type RecordPatch struct {
	Name      string
	Status    flow.Status
	State     *flow.ExecutionState
	UpdatedAt time.Time
}

// RecordFilter narrows ListFlowRecords.
type RecordFilter struct {
	Status flow.Status
	Limit  int
}

// Matches reports whether rec passes the filter's status check.
func (f RecordFilter) Matches(rec *FlowRecord) bool {
	return f.Status == "" || rec.Status == f.Status
}

// NotFound returns the error drivers report for a missing record.
func NotFound(id string) error {
	return &errors.NotFoundError{Resource: "flow record", ID: id}
}

// ApplyPatch merges patch into cur and returns the new record. cur may be
// nil. cur is not modified.
func ApplyPatch(cur *FlowRecord, id string, patch *RecordPatch) *FlowRecord {
	now := patch.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var rec FlowRecord
	if cur != nil {
		rec = *cur
		rec.State = cur.State.Clone()
	} else {
		rec = FlowRecord{ID: id, CreatedAt: now}
	}
	if patch.Name != "" {
		rec.Name = patch.Name
	}
	if patch.Status != "" {
		rec.Status = patch.Status
	}
	if patch.State != nil {
		rec.State = patch.State.Clone()
	}
	rec.UpdatedAt = now
	return &rec
}

// Clone returns a deep copy of rec.
func (r *FlowRecord) Clone() *FlowRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.State = r.State.Clone()
	return &c
}
