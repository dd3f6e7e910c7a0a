/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package retry provides a bounded retry policy with a fixed delay between
// attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when all retries of a Policy failed.
var ErrExhausted = errors.New("retries exhausted")

// Policy defines how often and with which delay a failed operation is
// retried. An operation runs once immediately and is then retried at most
// MaxRetries times, waiting Delay before each retry.
type Policy struct {
	MaxRetries int
	Delay      time.Duration

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(retry int, err error)
	// OnGiveUp is the terminal action, called once after the last failure.
	OnGiveUp func(err error)
}

// Func is an operation run by a Policy. The attempt starts at 0 for the
// immediate run.
type Func func(ctx context.Context, attempt int) error

// Do runs fn immediately and retries it according to the accociated policy.
func (p *Policy) Do(ctx context.Context, fn Func) error {
	err := fn(ctx, 0)
	if err == nil {
		return nil
	}
	return p.retry(ctx, fn, err)
}

// Retry runs fn only as delayed retries, for callers which already made the
// first attempt themselves and failed with err. OnGiveUp is called as with Do.
func (p *Policy) Retry(ctx context.Context, err error, fn Func) error {
	return p.retry(ctx, fn, err)
}

func (p *Policy) retry(ctx context.Context, fn Func, err error) error {
	for retry := 1; retry <= p.MaxRetries; retry++ {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p.OnRetry != nil {
			p.OnRetry(retry, err)
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err = fn(ctx, retry)
		if err == nil {
			return nil
		}
	}

	err = fmt.Errorf("%w after %d retries: %v", ErrExhausted, p.MaxRetries, err)
	if p.OnGiveUp != nil {
		p.OnGiveUp(err)
	}
	return err
}
