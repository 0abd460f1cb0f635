// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/partscout/partscout/internal/store"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// AuditLogEscalationThreshold is the number of consecutive audit store append
// failures after which the log level escalates from Warn to Error. Exported so
// the agent package can share the same value.
const AuditLogEscalationThreshold = 3

// CheckRequest describes a permission check for one tool invocation.
type CheckRequest struct {
	Role      string
	Tool      string
	SessionID string
	Actor     string
}

// Validate checks that required fields are non-empty.
func (r CheckRequest) Validate() error {
	if r.Role == "" {
		return pserr.New(pserr.CodeSecurityInvalidInput, "CheckRequest: Role must not be empty")
	}
	if r.Tool == "" {
		return pserr.New(pserr.CodeSecurityInvalidInput, "CheckRequest: Tool must not be empty")
	}
	return nil
}

// EnforcerOption is a functional option for NewEnforcer.
type EnforcerOption func(*Enforcer)

// WithAuditFailClosed enables fail-closed mode for audit logging. When true,
// an audit write failure on the ALLOW path causes Check() to return an error
// with CodeSecurityAuditFailure. Default false (best-effort).
func WithAuditFailClosed(failClosed bool) EnforcerOption {
	return func(e *Enforcer) {
		e.auditFailClosed = failClosed
	}
}

// WithLogger sets the logger used for audit failures.
func WithLogger(log *slog.Logger) EnforcerOption {
	return func(e *Enforcer) {
		if log != nil {
			e.log = log
		}
	}
}

// Enforcer checks tool invocations against a PermissionTable and audits
// every decision.
type Enforcer struct {
	table               *PermissionTable
	audit               store.AuditStore
	log                 *slog.Logger
	auditIDCounter      uint64
	auditFailClosed     bool
	auditAllowFailCount atomic.Int64
	auditDenyFailCount  atomic.Int64
}

// NewEnforcer creates an Enforcer over table that writes decision audits to
// audit. If audit is nil, audit logging is disabled (checks still enforced).
func NewEnforcer(table *PermissionTable, audit store.AuditStore, opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{
		table: table,
		audit: audit,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if audit == nil {
		e.log.Warn("enforcer created with nil audit store; audit logging disabled")
	}
	return e
}

// Table returns the permission table the enforcer consults.
func (e *Enforcer) Table() *PermissionTable { return e.table }

// AuditAllowFailCount returns the current consecutive allow-path audit failure count.
func (e *Enforcer) AuditAllowFailCount() int64 {
	return e.auditAllowFailCount.Load()
}

// AuditDenyFailCount returns the current consecutive deny-path audit failure count.
func (e *Enforcer) AuditDenyFailCount() int64 {
	return e.auditDenyFailCount.Load()
}

// Check returns nil when req.Role may invoke req.Tool, and an error coded
// CodeSecurityPermissionDenied otherwise.
func (e *Enforcer) Check(ctx context.Context, req CheckRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	if !e.table.Allowed(req.Role, req.Tool) {
		return e.deny(ctx, req)
	}

	if err := e.auditDecision(ctx, req, "allowed"); err != nil {
		consecutive := e.auditAllowFailCount.Add(1)
		level, msg := slog.LevelWarn, "audit log failure on allowed decision (best-effort, not blocking)"
		if consecutive >= AuditLogEscalationThreshold {
			level, msg = slog.LevelError, "audit log failure on allowed decision (persistent)"
		}
		e.log.Log(ctx, level, msg,
			"role", req.Role,
			"tool", req.Tool,
			"error", err,
			"consecutive_failures", consecutive,
		)
		if e.auditFailClosed {
			return pserr.New(pserr.CodeSecurityAuditFailure, "audit log failure on allowed decision (fail-closed mode)",
				pserr.FieldRole(req.Role), pserr.FieldTool(req.Tool))
		}
	} else {
		e.auditAllowFailCount.Store(0)
	}

	return nil
}

func (e *Enforcer) deny(ctx context.Context, req CheckRequest) error {
	deniedErr := pserr.New(pserr.CodeSecurityPermissionDenied,
		fmt.Sprintf("role %q is not permitted to use tool %q", req.Role, req.Tool),
		pserr.FieldRole(req.Role),
		pserr.FieldTool(req.Tool),
		pserr.FieldSessionID(req.SessionID),
	)

	// The operation is blocked regardless, so audit failure here only logs.
	if err := e.auditDecision(ctx, req, "denied"); err != nil {
		consecutive := e.auditDenyFailCount.Add(1)
		level, msg := slog.LevelWarn, "audit log failure on denied decision (best-effort, not blocking)"
		if consecutive >= AuditLogEscalationThreshold {
			level, msg = slog.LevelError, "audit log failure on denied decision (persistent)"
		}
		e.log.Log(ctx, level, msg,
			"role", req.Role,
			"tool", req.Tool,
			"error", err,
			"consecutive_failures", consecutive,
		)
	} else {
		e.auditDenyFailCount.Store(0)
	}

	return deniedErr
}

func (e *Enforcer) auditDecision(ctx context.Context, req CheckRequest, result string) error {
	if e.audit == nil {
		return nil
	}

	actor := req.Actor
	if actor == "" {
		actor = req.Role
	}

	entry := &store.AuditEntry{
		ID:        e.nextAuditID(),
		Timestamp: time.Now().UTC(),
		Action:    "permission_check",
		Actor:     actor,
		Role:      req.Role,
		Tool:      req.Tool,
		SessionID: req.SessionID,
		Details: map[string]any{
			"granted_tools": e.table.Tools(req.Role),
		},
		Result: result,
	}

	if err := e.audit.Append(ctx, entry); err != nil {
		return pserr.Wrap(err, pserr.CodeStoreDatabaseFailure, "append audit entry")
	}

	return nil
}

func (e *Enforcer) nextAuditID() string {
	seq := atomic.AddUint64(&e.auditIDCounter, 1)
	return fmt.Sprintf("aud-%d-%d", time.Now().UTC().UnixNano(), seq)
}
