// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Executor bundles everything needed to run an operation under retry.
// The zero value runs once with no retries.
type Executor struct {
	// Name labels the operation in errors, logs and metrics.
	Name string

	// Policy is normalized before use.
	Policy Policy

	// Predicate classifies failures. Nil retries every failure.
	Predicate Predicate

	// Observer is notified after each attempt. Nil means NopObserver.
	Observer Observer

	// Rand is the jitter source. Nil uses math/rand/v2.
	Rand Rand

	// AttemptTimeout bounds each attempt. The effective deadline is the
	// earlier of this and the parent context's deadline. Zero disables it.
	AttemptTimeout time.Duration
}

// Named returns a copy of e with Name set.
func (e Executor) Named(name string) Executor {
	e.Name = name
	return e
}

// Do invokes op until it succeeds, the predicate rejects a failure, the
// policy runs out of attempts, or ctx ends.
//
// # Description
//
// The loop carries two pieces of state, the attempt number and the last
// error. After a retryable failure the next delay is computed with Delay,
// the observer is told about the attempt and the planned delay, and the
// loop sleeps. Cancelling ctx during the sleep returns at once.
//
// # Outputs
//
//   - T: op's value on success, zero otherwise.
//   - error: nil, *ExhaustedError, *NonRetryableError, *CancelledError, or
//     an ErrInvalidPolicy error when the policy is invalid.
//
// # Limitations
//
//   - A panic inside op is not recovered.
func Do[T any](ctx context.Context, e Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	policy := e.Policy.Normalize()
	if err := policy.Validate(); err != nil {
		return zero, err
	}
	predicate := e.Predicate
	if predicate == nil {
		predicate = Always()
	}
	observer := e.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	var rnd Rand = e.Rand
	if rnd == nil {
		rnd = globalRand{}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, finish(ctx, observer, e.Name, attempt-1,
				&CancelledError{Operation: e.Name, Attempt: attempt - 1, Cause: err, Last: lastErr})
		}

		value, err := invoke(ctx, e.AttemptTimeout, op)
		if err == nil {
			notifyAttempt(ctx, observer, Attempt{Operation: e.Name, Number: attempt})
			return value, finish(ctx, observer, e.Name, attempt, nil)
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			notifyAttempt(ctx, observer, Attempt{Operation: e.Name, Number: attempt, Err: err})
			return zero, finish(ctx, observer, e.Name, attempt,
				&CancelledError{Operation: e.Name, Attempt: attempt, Cause: ctxErr, Last: err})
		}

		if isPermanent(err) || !predicate.Retryable(err) {
			notifyAttempt(ctx, observer, Attempt{Operation: e.Name, Number: attempt, Err: err})
			return zero, finish(ctx, observer, e.Name, attempt,
				&NonRetryableError{Operation: e.Name, Attempt: attempt, Cause: err})
		}

		if attempt >= policy.MaxAttempts {
			notifyAttempt(ctx, observer, Attempt{Operation: e.Name, Number: attempt, Err: err})
			return zero, finish(ctx, observer, e.Name, attempt,
				&ExhaustedError{Operation: e.Name, Attempts: attempt, Last: err})
		}

		delay := Delay(policy, attempt-1, rnd)
		notifyAttempt(ctx, observer, Attempt{Operation: e.Name, Number: attempt, Err: err, Delay: delay})

		if err := sleep(ctx, delay); err != nil {
			return zero, finish(ctx, observer, e.Name, attempt,
				&CancelledError{Operation: e.Name, Attempt: attempt, Cause: err, Last: lastErr})
		}
	}
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, e Executor, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func invoke[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

func finish(ctx context.Context, o Observer, name string, attempts int, err error) error {
	notifyFinish(ctx, o, name, attempts, err)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
