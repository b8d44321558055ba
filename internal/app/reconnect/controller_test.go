package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		BaseDelay:      time.Millisecond,
		Multiplier:     2,
		MaxDelay:       4 * time.Millisecond,
		MaxAttempts:    3,
		AttemptTimeout: 100 * time.Millisecond,
	}
}

func TestBackOffSchedule(t *testing.T) {
	b := DefaultPolicy().NewBackOff()
	var got []time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, got)
}

func TestBackOffCap(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 8
	b := p.NewBackOff()
	var last time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		last = d
	}
	assert.Equal(t, 30*time.Second, last)
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect result")
	}
	return Result{}
}

func TestReconnectSucceeds(t *testing.T) {
	c := NewController(fastPolicy())
	var calls atomic.Int32
	rejoin := func(context.Context) error {
		if calls.Add(1) < 2 {
			return errors.New("still offline")
		}
		return nil
	}
	results := make(chan Result, 1)
	require.True(t, c.Start(context.Background(), "s1", rejoin, func(r Result) { results <- r }))

	r := waitResult(t, results)
	assert.Equal(t, Reconnected, r.Outcome)
	assert.Equal(t, 2, r.Attempt.Count)
	state, _, ok := c.State("s1")
	require.True(t, ok)
	assert.Equal(t, LinkConnected, state)
}

func TestReconnectExhausts(t *testing.T) {
	c := NewController(fastPolicy())
	var calls atomic.Int32
	rejoin := func(context.Context) error {
		calls.Add(1)
		return errors.New("offline")
	}
	results := make(chan Result, 1)
	c.Start(context.Background(), "s1", rejoin, func(r Result) { results <- r })

	r := waitResult(t, results)
	assert.Equal(t, Exhausted, r.Outcome)
	assert.Equal(t, 3, r.Attempt.Count)
	assert.Equal(t, int32(3), calls.Load())
	assert.Error(t, r.Attempt.LastErr)
	state, _, _ := c.State("s1")
	assert.Equal(t, LinkAbandoned, state)
}

func TestReconnectCancel(t *testing.T) {
	p := fastPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	c := NewController(p)
	results := make(chan Result, 1)
	c.Start(context.Background(), "s1", func(context.Context) error { return nil }, func(r Result) { results <- r })

	c.Cancel("s1")
	r := waitResult(t, results)
	assert.Equal(t, Cancelled, r.Outcome)
	assert.Equal(t, 0, r.Attempt.Count)
	_, _, ok := c.State("s1")
	assert.False(t, ok)
}

func TestSecondStartIsIgnored(t *testing.T) {
	p := fastPolicy()
	p.BaseDelay = 50 * time.Millisecond
	p.MaxDelay = 50 * time.Millisecond
	c := NewController(p)
	results := make(chan Result, 2)
	report := func(r Result) { results <- r }
	ok := func(context.Context) error { return nil }

	assert.True(t, c.Start(context.Background(), "s1", ok, report))
	assert.False(t, c.Start(context.Background(), "s1", ok, report))
	waitResult(t, results)
	c.Wait()
	assert.Len(t, results, 0)
}
