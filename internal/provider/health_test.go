// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package provider_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partscout/partscout/internal/provider"
)

// frozenTracker returns a tracker whose clock is advanced by the returned func.
func frozenTracker(t *testing.T, cooldown time.Duration) (*provider.HealthTracker, func(time.Duration)) {
	t.Helper()
	h, err := provider.NewHealthTracker(cooldown)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	h.SetNowFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	return h, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func TestHealthTracker_FailureAndRecovery(t *testing.T) {
	h, advance := frozenTracker(t, 10*time.Second)
	assert.True(t, h.IsHealthy(), "starts healthy")

	h.RecordFailure()
	assert.False(t, h.IsHealthy())

	advance(9 * time.Second)
	assert.False(t, h.IsHealthy(), "still cooling down")

	advance(time.Second)
	assert.True(t, h.IsHealthy(), "cooldown elapsed exactly")

	h.RecordFailure()
	h.RecordSuccess()
	assert.True(t, h.IsHealthy(), "success ends the cooldown early")
}

func TestHealthTracker_Record(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantHealthy bool
		wantCount   int64
	}{
		{"success", nil, true, 0},
		{"cancelled caller", context.Canceled, true, 0},
		{"wrapped cancel", fmt.Errorf("stream: %w", context.Canceled), true, 0},
		{"deadline", context.DeadlineExceeded, false, 1},
		{"upstream", errors.New("503 overloaded"), false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := frozenTracker(t, time.Minute)
			h.Record(tt.err)
			assert.Equal(t, tt.wantHealthy, h.IsHealthy())
			assert.Equal(t, tt.wantCount, h.HealthMetrics().FailureCount)
		})
	}
}

func TestHealthTracker_HealthMetrics(t *testing.T) {
	h, advance := frozenTracker(t, 30*time.Second)

	m := h.HealthMetrics()
	assert.True(t, m.Available)
	assert.Zero(t, m.FailureCount)
	assert.Nil(t, m.LastFailureAt)
	assert.Nil(t, m.CooldownUntil)

	h.Record(errors.New(strings.Repeat("x", 500)))
	m = h.HealthMetrics()
	assert.False(t, m.Available)
	assert.EqualValues(t, 1, m.FailureCount)
	require.NotNil(t, m.LastFailureAt)
	require.NotNil(t, m.CooldownUntil)
	assert.Equal(t, 30*time.Second, m.CooldownUntil.Sub(*m.LastFailureAt))
	assert.Less(t, len(m.LastError), 500, "error text is truncated")

	advance(31 * time.Second)
	m = h.HealthMetrics()
	assert.True(t, m.Available, "available again after cooldown")
	assert.NotNil(t, m.CooldownUntil, "cooldown stays visible until a success")

	h.RecordSuccess()
	m = h.HealthMetrics()
	assert.Nil(t, m.CooldownUntil)
	assert.EqualValues(t, 1, m.FailureCount, "failure count is cumulative")
}

func TestHealthTracker_ConcurrentRecord(t *testing.T) {
	h, _ := frozenTracker(t, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); h.RecordFailure() }()
		go func() { defer wg.Done(); _ = h.IsHealthy() }()
	}
	wg.Wait()
	assert.EqualValues(t, 50, h.HealthMetrics().FailureCount)
}

func TestNewHealthTracker_RejectsNonPositiveCooldown(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		_, err := provider.NewHealthTracker(d)
		assert.Error(t, err, d.String())
	}
}
