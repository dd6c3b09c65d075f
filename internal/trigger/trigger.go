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

// Package trigger schedules flow files on cron expressions.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tombee/testflow/internal/loader"
	"github.com/tombee/testflow/internal/log"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// Parser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as @hourly or @every 5m.
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ScheduleFunc hands a loaded flow to the orchestrator.
type ScheduleFunc func(ctx context.Context, f *flow.TestFlow) error

// LoadFunc reads a flow file.
type LoadFunc func(path string) (*flow.TestFlow, error)

// Entry describes a registered trigger.
type Entry struct {
	ID      cron.EntryID
	Spec    string
	Path    string
	Next    time.Time
	Prev    time.Time
	Firings int64
	Errors  int64
}

type settings struct {
	logger *slog.Logger
	load   LoadFunc
	loc    *time.Location
	now    func() time.Time
}

// Option configures a Trigger.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithLoader replaces loader.LoadFile.
func WithLoader(fn LoadFunc) Option {
	return func(s *settings) { s.load = fn }
}

// WithLocation evaluates expressions in loc instead of time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *settings) { s.loc = loc }
}

// Trigger owns a cron scheduler whose jobs load and schedule flow files.
type Trigger struct {
	cron     *cron.Cron
	schedule ScheduleFunc
	load     LoadFunc
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[cron.EntryID]*job
	started bool
}

// New creates a stopped Trigger.
func New(schedule ScheduleFunc, opts ...Option) *Trigger {
	s := settings{load: loader.LoadFile, loc: time.Local, now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	logger := log.WithComponent(log.OrDefault(s.logger), "trigger")
	cl := cronLogger{logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(s.loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		schedule: schedule,
		load:     s.load,
		logger:   logger,
		now:      s.now,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[cron.EntryID]*job),
	}
}

// Validate reports whether spec parses.
func Validate(spec string) error {
	if _, err := Parser.Parse(spec); err != nil {
		return &flowerrors.ValidationError{
			Field:   "schedule",
			Message: fmt.Sprintf("invalid cron expression %q: %v", spec, err),
		}
	}
	return nil
}

// Add registers path to be scheduled whenever spec fires.
func (t *Trigger) Add(spec, path string) (cron.EntryID, error) {
	if path == "" {
		return 0, &flowerrors.ValidationError{Field: "path", Message: "flow file path is required"}
	}
	if err := Validate(spec); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	j := &job{t: t, spec: spec, path: path}
	id, err := t.cron.AddJob(spec, j)
	if err != nil {
		return 0, err
	}
	j.id = id
	t.jobs[id] = j
	t.logger.Info("cron trigger added",
		slog.Int("entry", int(id)),
		slog.String("schedule", spec),
		slog.String("path", path))
	return id, nil
}

// Remove unregisters an entry. It reports whether the entry existed.
func (t *Trigger) Remove(id cron.EntryID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[id]; !ok {
		return false
	}
	t.cron.Remove(id)
	delete(t.jobs, id)
	return true
}

// Entries returns the registered triggers ordered by id.
func (t *Trigger) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.jobs))
	for id, j := range t.jobs {
		ce := t.cron.Entry(id)
		out = append(out, Entry{
			ID:      id,
			Spec:    j.spec,
			Path:    j.path,
			Next:    ce.Next,
			Prev:    ce.Prev,
			Firings: j.firings.Load(),
			Errors:  j.errors.Load(),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Fire runs an entry immediately, outside its schedule.
func (t *Trigger) Fire(id cron.EntryID) error {
	t.mu.Lock()
	j, ok := t.jobs[id]
	t.mu.Unlock()
	if !ok {
		return &flowerrors.NotFoundError{Resource: "trigger", ID: fmt.Sprint(id)}
	}
	return j.fire()
}

// Start begins evaluating schedules.
func (t *Trigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.cron.Start()
}

// Stop halts the scheduler and waits for running jobs or ctx.
func (t *Trigger) Stop(ctx context.Context) error {
	done := t.cron.Stop()
	defer t.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	t       *Trigger
	id      cron.EntryID
	spec    string
	path    string
	firings atomic.Int64
	errors  atomic.Int64
}

// Run implements cron.Job.
func (j *job) Run() {
	_ = j.fire()
}

func (j *job) fire() error {
	n := j.firings.Add(1)
	logger := j.t.logger.With(slog.String("path", j.path), slog.Int64("firing", n))

	f, err := j.t.load(j.path)
	if err != nil {
		j.errors.Add(1)
		logger.Error("cannot load triggered flow", log.Error(err))
		return err
	}
	// Every firing is a distinct execution with its own state record.
	f.ID = FiringID(f.ID, j.t.now())

	if err := j.t.schedule(j.t.ctx, f); err != nil {
		j.errors.Add(1)
		logger.Error("cannot schedule triggered flow", slog.String(log.FlowIDKey, f.ID), log.Error(err))
		return err
	}
	logger.Info("triggered flow scheduled", slog.String(log.FlowIDKey, f.ID))
	return nil
}

// FiringID derives the flow id for one firing of a trigger.
func FiringID(base string, at time.Time) string {
	return fmt.Sprintf("%s@%s", base, at.UTC().Format("20060102T150405.000Z"))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append([]any{log.Error(err)}, keysAndValues...)...)
}
