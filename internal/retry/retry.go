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

// Package retry re-runs failing operations with capped exponential backoff
// and multiplicative jitter. The scheduler, tracker, parallel executor and
// state store all share this policy.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tombee/testflow/internal/config"
	flowerrors "github.com/tombee/testflow/pkg/errors"
)

// Config configures backoff.
type Config struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps every delay, jitter included.
	MaxDelay time.Duration

	// Jitter is the multiplicative jitter fraction: 0.1 draws each delay
	// from [0.9, 1.1] times the exponential value.
	Jitter float64

	// Retryable decides whether an error may be retried. Defaults to
	// errors.IsRetryable.
	Retryable func(error) bool
}

// DefaultConfig returns a 1s base, 30s cap and ±10% jitter.
func DefaultConfig() Config {
	return Config{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Jitter:    0.1,
	}
}

// FromConfig builds a Config from orchestrator settings.
func FromConfig(c config.RetryConfig) Config {
	return Config{
		BaseDelay: c.BaseBackoff,
		MaxDelay:  c.MaxBackoff,
		Jitter:    c.Jitter,
	}
}

// Func is an operation to retry. attempt is zero-based.
type Func func(ctx context.Context, attempt int) error

// Executor runs operations under a retry policy. It is safe for concurrent use.
type Executor struct {
	cfg     Config
	rand    func() float64
	onRetry func(attempt int, err error, delay time.Duration)
}

// Option configures an Executor.
type Option func(*Executor)

// WithRand replaces the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(e *Executor) { e.rand = f }
}

// WithOnRetry registers a hook invoked before each backoff sleep.
func WithOnRetry(f func(attempt int, err error, delay time.Duration)) Option {
	return func(e *Executor) { e.onRetry = f }
}

// New creates an Executor. Zero delays fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Executor {
	d := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Retryable == nil {
		cfg.Retryable = flowerrors.IsRetryable
	}

	e := &Executor{cfg: cfg, rand: rand.Float64}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backoff returns the delay for retry n (n >= 0):
//
//	min(base * 2^n * (1 ± jitter), max)
func (e *Executor) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	base := float64(e.cfg.BaseDelay)
	maxDelay := float64(e.cfg.MaxDelay)

	// Past this exponent the delay is capped anyway; avoids overflow.
	exp := math.Min(float64(n), 62)
	delay := base * math.Pow(2, exp)

	if e.cfg.Jitter > 0 {
		delay *= 1 + (e.rand()*2-1)*e.cfg.Jitter
	}
	if delay > maxDelay || math.IsInf(delay, 1) {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Wait sleeps for Backoff(n) or until ctx is done.
func (e *Executor) Wait(ctx context.Context, n int) error {
	timer := time.NewTimer(e.Backoff(n))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do invokes op until it succeeds, returns a non-retryable error, or
// maxAttempts invocations have failed. It returns the number of attempts
// made and the last error. maxAttempts below 1 means a single attempt.
func (e *Executor) Do(ctx context.Context, maxAttempts int, op Func) (int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.Backoff(attempt - 1)
			if e.onRetry != nil {
				e.onRetry(attempt, lastErr, delay)
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return attempt, errors.Join(ctx.Err(), lastErr)
			}
		}

		err := op(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if ctx.Err() != nil || !e.cfg.Retryable(err) {
			return attempt + 1, err
		}
	}
	return maxAttempts, lastErr
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, e *Executor, maxAttempts int, op func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var out T
	attempts, err := e.Do(ctx, maxAttempts, func(ctx context.Context, attempt int) error {
		v, err := op(ctx, attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}
