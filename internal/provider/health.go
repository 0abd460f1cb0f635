// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// DefaultHealthCooldown is how long the router skips a provider after a failure.
const DefaultHealthCooldown = 30 * time.Second

// maxLastError bounds the error text kept in HealthMetrics.
const maxLastError = 200

// HealthMetrics is a snapshot of one provider's health as reported by
// Registry.Health.
type HealthMetrics struct {
	Available     bool       `json:"available"`
	FailureCount  int64      `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// HealthTracker decides whether the router may send traffic to a provider.
// One failure takes the provider out of rotation until the cooldown has
// passed; the next call after that is the trial that brings it back.
type HealthTracker struct {
	mu       sync.RWMutex
	cooldown time.Duration
	now      func() time.Time

	down     bool
	failedAt time.Time
	failures int64
	lastErr  string
}

// NewHealthTracker returns a healthy tracker. cooldown must be positive.
func NewHealthTracker(cooldown time.Duration) (*HealthTracker, error) {
	if cooldown <= 0 {
		return nil, pserr.Errorf(pserr.CodeConfigValidateInvalidValue,
			"health tracker cooldown must be positive, got %s", cooldown)
	}
	return &HealthTracker{cooldown: cooldown, now: time.Now}, nil
}

// NewDefaultHealthTracker returns a tracker using DefaultHealthCooldown.
func NewDefaultHealthTracker() *HealthTracker {
	h, _ := NewHealthTracker(DefaultHealthCooldown)
	return h
}

func (h *HealthTracker) availableLocked() bool {
	return !h.down || h.now().Sub(h.failedAt) >= h.cooldown
}

// IsHealthy reports whether the provider may be routed to.
func (h *HealthTracker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.availableLocked()
}

// Record folds the outcome of one upstream call into the health state. A nil
// error is a success. A cancelled caller context says nothing about the
// provider and is ignored.
func (h *HealthTracker) Record(err error) {
	switch {
	case err == nil:
		h.RecordSuccess()
	case errors.Is(err, context.Canceled):
	default:
		h.recordFailure(err.Error())
	}
}

// RecordSuccess puts the provider back into rotation.
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	h.down = false
	h.mu.Unlock()
}

// RecordFailure takes the provider out of rotation for the cooldown.
func (h *HealthTracker) RecordFailure() {
	h.recordFailure("")
}

func (h *HealthTracker) recordFailure(msg string) {
	if len(msg) > maxLastError {
		msg = msg[:maxLastError] + "..."
	}
	h.mu.Lock()
	h.down = true
	h.failedAt = h.now()
	h.failures++
	h.lastErr = msg
	h.mu.Unlock()
}

// SetNowFunc overrides the clock. Tests only.
func (h *HealthTracker) SetNowFunc(fn func() time.Time) {
	h.mu.Lock()
	h.now = fn
	h.mu.Unlock()
}

// HealthMetrics returns the current snapshot.
func (h *HealthTracker) HealthMetrics() HealthMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m := HealthMetrics{
		Available:    h.availableLocked(),
		FailureCount: h.failures,
		LastError:    h.lastErr,
	}
	if h.failures > 0 {
		at := h.failedAt
		m.LastFailureAt = &at
	}
	if h.down {
		until := h.failedAt.Add(h.cooldown)
		m.CooldownUntil = &until
	}
	return m
}
