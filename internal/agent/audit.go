// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package agent

import (
	"context"
	"log/slog"

	"github.com/partscout/partscout/internal/security"
)

// logAuditFailure logs an audit append failure at Warn for the first
// (security.AuditLogEscalationThreshold - 1) consecutive failures and at
// Error thereafter. log must be non-nil.
func logAuditFailure(ctx context.Context, log *slog.Logger, consecutive int64, msg string, attrs ...slog.Attr) {
	logLevel := slog.LevelWarn
	if consecutive >= security.AuditLogEscalationThreshold {
		logLevel = slog.LevelError
	}
	log.LogAttrs(ctx, logLevel, msg, attrs...)
}
