/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test failure")

func TestPolicySucceedsImmediately(t *testing.T) {
	p := &Policy{MaxRetries: 3, Delay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("wrong number of calls: got %d want 1", calls)
	}
}

func TestPolicyGivesUpAfterMaxRetries(t *testing.T) {
	var retries []int
	var gaveUp error
	p := &Policy{
		MaxRetries: 3,
		Delay:      5 * time.Millisecond,
		OnRetry: func(retry int, err error) {
			retries = append(retries, retry)
		},
		OnGiveUp: func(err error) {
			gaveUp = err
		},
	}

	var attempts []int
	var stamps []time.Time
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		stamps = append(stamps, time.Now())
		return errTest
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if len(attempts) != 4 {
		t.Fatalf("wrong number of attempts: got %d want 4", len(attempts))
	}
	for i, attempt := range attempts {
		if attempt != i {
			t.Errorf("attempt %d reported as %d", i, attempt)
		}
	}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < p.Delay {
			t.Errorf("retry %d ran after %v, expected at least %v", i, gap, p.Delay)
		}
	}
	if len(retries) != 3 {
		t.Errorf("wrong number of retry callbacks: got %d want 3", len(retries))
	}
	if gaveUp == nil {
		t.Error("terminal action was not called")
	}
}

func TestPolicyRecovers(t *testing.T) {
	p := &Policy{MaxRetries: 3, Delay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("wrong number of calls: got %d want 3", calls)
	}
}

func TestPolicyRetryOnlyDelayed(t *testing.T) {
	p := &Policy{MaxRetries: 2, Delay: time.Millisecond}

	calls := 0
	err := p.Retry(context.Background(), errTest, func(ctx context.Context, attempt int) error {
		calls++
		return errTest
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("wrong number of calls: got %d want 2", calls)
	}
}

func TestPolicyStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Policy{MaxRetries: 3, Delay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context, attempt int) error {
			return errTest
		})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("policy did not stop on cancel")
	}
}
