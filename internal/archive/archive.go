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

// Package archive writes finished execution results to blob storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gocloud.dev/blob"

	"github.com/tombee/testflow/internal/events"
	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/pkg/flow"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// ErrNoResult is returned when an event carries no result.
var ErrNoResult = errors.New("event has no execution result")

// Record is the archived object.
type Record struct {
	FlowID     string                `json:"flowId"`
	FlowName   string                `json:"flowName"`
	Status     flow.Status           `json:"status"`
	Error      string                `json:"error,omitempty"`
	ErrorType  string                `json:"errorType,omitempty"`
	ArchivedAt time.Time             `json:"archivedAt"`
	Result     *flow.ExecutionResult `json:"result,omitempty"`
}

// Archiver stores one object per finished flow execution under
// <prefix><flowId>/<unixnano>.json.
type Archiver struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel func()
	wg     sync.WaitGroup
}

// Open opens the bucket at url (mem://, file://, s3://).
func Open(ctx context.Context, url, prefix string, logger *slog.Logger) (*Archiver, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening archive bucket: %w", err)
	}
	a := New(b, prefix, logger)
	a.owned = true
	return a, nil
}

// New wraps an open bucket. The caller keeps ownership of it.
func New(b *blob.Bucket, prefix string, logger *slog.Logger) *Archiver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archiver{
		bucket: b,
		prefix: prefix,
		logger: log.WithComponent(log.OrDefault(logger), "archive"),
		now:    time.Now,
	}
}

// Key returns the object key for a result of flowID archived at t.
func (a *Archiver) Key(flowID string, t time.Time) string {
	return fmt.Sprintf("%s%s/%d.json", a.prefix, flowID, t.UnixNano())
}

// Write stores the outcome carried by a completed or failed event.
func (a *Archiver) Write(ctx context.Context, ev events.Event) (string, error) {
	if ev.Payload.Result == nil && ev.Payload.Err == "" {
		return "", ErrNoResult
	}
	now := a.now()
	rec := Record{
		FlowID:     ev.FlowID,
		FlowName:   ev.Payload.FlowName,
		Status:     ev.Payload.Status,
		Error:      ev.Payload.Err,
		ErrorType:  ev.Payload.ErrorType,
		ArchivedAt: now,
		Result:     ev.Payload.Result,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return "", err
	}
	key := a.Key(ev.FlowID, now)
	if err := a.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("writing %s: %w", key, err)
	}
	return key, nil
}

// Read loads an archived record.
func (a *Archiver) Read(ctx context.Context, key string) (*Record, error) {
	data, err := a.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return &rec, nil
}

// List returns the keys archived for flowID, oldest first.
func (a *Archiver) List(ctx context.Context, flowID string) ([]string, error) {
	it := a.bucket.List(&blob.ListOptions{Prefix: a.prefix + flowID + "/"})
	var keys []string
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return keys, nil
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, obj.Key)
	}
}

// Subscribe archives every completed and failed event published on bus
// until Close.
func (a *Archiver) Subscribe(bus *events.Bus, buffer int) {
	ch, unsubscribe := bus.Subscribe(buffer, events.Completed, events.Failed)
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	prev := a.cancel
	a.cancel = func() {
		if prev != nil {
			prev()
		}
		cancel()
		unsubscribe()
	}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				// Flush what was already delivered.
				for {
					select {
					case ev := <-ch:
						a.handle(context.WithoutCancel(ctx), ev)
					default:
						return
					}
				}
			case ev := <-ch:
				a.handle(context.WithoutCancel(ctx), ev)
			}
		}
	}()
}

func (a *Archiver) handle(ctx context.Context, ev events.Event) {
	key, err := a.Write(ctx, ev)
	if err != nil {
		a.logger.Error("archive write failed", slog.String(log.FlowIDKey, ev.FlowID), log.Error(err))
		return
	}
	a.logger.Debug("result archived", slog.String(log.FlowIDKey, ev.FlowID), slog.String("key", key))
}

// Close stops subscriptions and closes the bucket if Open created it.
func (a *Archiver) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	if a.owned {
		return a.bucket.Close()
	}
	return nil
}
