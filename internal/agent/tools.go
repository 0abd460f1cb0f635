// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/sync/errgroup"

	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/security"
	"github.com/partscout/partscout/internal/security/scanner"
	"github.com/partscout/partscout/internal/store"
	pserr "github.com/partscout/partscout/pkg/errors"
)

const (
	defaultMaxToolCallsPerTurn = 10
	defaultMaxParallelTools    = 4
	defaultToolTimeout         = 60 * time.Second
	maxSuggestions             = 3

	maxAuditArgs   = 1024
	maxRawArgsEcho = 200
)

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ToolRegistry holds the tools offered to the model, in registration order.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds t. Names must be unique.
func (r *ToolRegistry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return pserr.New(pserr.CodeAgentToolRegistrationInvalid, "tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		return pserr.New(pserr.CodeAgentToolRegistrationInvalid, "tool already registered", pserr.FieldTool(t.Name()))
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Tools returns the registered tools in registration order.
func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tools[n])
	}
	return out
}

// Definitions returns the declarations sent to the model.
func (r *ToolRegistry) Definitions() []provider.ToolDefinition {
	tools := r.Tools()
	defs := make([]provider.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}

// Suggest returns up to three registered names close to name, best first.
func (r *ToolRegistry) Suggest(name string) []string {
	names := r.Names()
	seen := make(map[string]bool)
	var out []string

	ranks := fuzzy.RankFindFold(name, names)
	sort.Sort(ranks)
	for _, rk := range ranks {
		out = append(out, rk.Target)
		seen[rk.Target] = true
	}

	type scored struct {
		name string
		dist int
	}
	var near []scored
	for _, n := range names {
		if seen[n] {
			continue
		}
		if d := fuzzy.LevenshteinDistance(name, n); d <= len(n)/3 {
			near = append(near, scored{n, d})
		}
	}
	sort.SliceStable(near, func(i, j int) bool { return near[i].dist < near[j].dist })
	for _, s := range near {
		out = append(out, s.name)
	}

	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}

// DispatcherConfig holds dependencies for Dispatcher.
type DispatcherConfig struct {
	Registry    *ToolRegistry
	Enforcer    *security.Enforcer
	AuditStore  store.AuditStore
	Timeout     time.Duration
	MaxParallel int
	Logger      *slog.Logger
	// Guard scans successful tool payloads; nil disables scanning.
	Guard *scanner.Guard
}

// Dispatcher executes the tool requests of one assistant message: resolve,
// budget, permission check, argument validation, then concurrent execution
// with a per-call timeout.
type Dispatcher struct {
	registry    *ToolRegistry
	enforcer    *security.Enforcer
	audit       store.AuditStore
	timeout     time.Duration
	maxParallel int
	log         *slog.Logger
	guard       *scanner.Guard

	// auditFailCount resets on success; auditFailTotal never does.
	auditFailCount atomic.Int64
	auditFailTotal atomic.Int64
}

// NewDispatcher creates a Dispatcher. Registry and Enforcer are required.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, pserr.New(pserr.CodeAgentLoopInvalidInput, "Registry is required")
	}
	if cfg.Enforcer == nil {
		return nil, pserr.New(pserr.CodeAgentLoopInvalidInput, "Enforcer is required")
	}
	d := &Dispatcher{
		registry:    cfg.Registry,
		enforcer:    cfg.Enforcer,
		audit:       cfg.AuditStore,
		timeout:     cfg.Timeout,
		maxParallel: cfg.MaxParallel,
		log:         cfg.Logger,
		guard:       cfg.Guard,
	}
	if d.timeout <= 0 {
		d.timeout = defaultToolTimeout
	}
	if d.maxParallel <= 0 {
		d.maxParallel = defaultMaxParallelTools
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d, nil
}

// Registry returns the tool registry the dispatcher resolves against.
func (d *Dispatcher) Registry() *ToolRegistry { return d.registry }

// Budget caps tool executions within one turn. It is not safe for use by
// concurrent Dispatch calls.
type Budget struct {
	limit int
	used  int
}

// NewBudget returns a Budget allowing limit calls; limit <= 0 uses the default.
func NewBudget(limit int) *Budget {
	if limit <= 0 {
		limit = defaultMaxToolCallsPerTurn
	}
	return &Budget{limit: limit}
}

func (b *Budget) take() bool {
	if b == nil {
		return true
	}
	if b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

// Used reports how many calls have been charged.
func (b *Budget) Used() int { return b.used }

// DispatchRequest is one acting step.
type DispatchRequest struct {
	SessionID string
	Role      string
	Actor     string
	// Conversation is the snapshot handed to conversation tools.
	Conversation conversation.Conversation
	Requests     []conversation.ToolRequest
	Budget       *Budget
}

// Dispatch answers every request, returning results in request order. Tool
// failures become error results; the returned error is non-nil only when ctx
// ends before all results are in.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) ([]conversation.ToolResult, error) {
	results := make([]conversation.ToolResult, len(req.Requests))
	runnable := make([]Tool, len(req.Requests))

	// Preflight runs in request order so budget charging and audit order
	// are deterministic.
	for i, tr := range req.Requests {
		tool, out, ok := d.preflight(ctx, req, tr)
		if !ok {
			results[i] = out.Result(tr)
			d.auditDispatch(ctx, req, tr, out)
			continue
		}
		runnable[i] = tool
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)
	for i, tool := range runnable {
		if tool == nil {
			continue
		}
		tr := req.Requests[i]
		call := Call{Arguments: tr.Arguments, SessionID: req.SessionID, Role: req.Role}
		if tool.NeedsConversation() {
			call.Conversation = req.Conversation
		}
		g.Go(func() error {
			out := d.scan(gctx, tool.Name(), req.SessionID, d.execute(gctx, tool, call))
			results[i] = out.Result(tr)
			d.auditDispatch(ctx, req, tr, out)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, pserr.Wrap(err, pserr.CodeAgentLoopFailure, "dispatch interrupted", pserr.FieldSessionID(req.SessionID))
	}
	return results, nil
}

func (d *Dispatcher) preflight(ctx context.Context, req DispatchRequest, tr conversation.ToolRequest) (Tool, Outcome, bool) {
	tool, ok := d.registry.Get(tr.Name)
	if !ok {
		out := Failure(conversation.KindUnknownTool, fmt.Sprintf("Unknown tool %q.", tr.Name))
		out.Err.Suggestions = d.registry.Suggest(tr.Name)
		return nil, out, false
	}

	// Denied calls never consume budget.
	err := d.enforcer.Check(ctx, security.CheckRequest{
		Role:      req.Role,
		Tool:      tr.Name,
		SessionID: req.SessionID,
		Actor:     req.Actor,
	})
	if err != nil {
		d.log.Debug("tool call denied", "tool", tr.Name, "role", req.Role, "session_id", req.SessionID, "error", err)
		return nil, Failure(conversation.KindPermissionDenied,
			fmt.Sprintf("You do not have permissions to use the %s tool.", tr.Name)), false
	}

	if !req.Budget.take() {
		return nil, Failure(conversation.KindBudgetExceeded,
			fmt.Sprintf("Tool call budget exceeded: at most %d tool calls are allowed per turn.", req.Budget.limit)), false
	}

	if tr.Malformed() {
		return nil, Failure(conversation.KindInvalidArguments,
			fmt.Sprintf("Invalid arguments for %s: not valid JSON: %s", tr.Name, truncate(tr.RawArguments, maxRawArgsEcho))), false
	}
	if err := tool.Validate(tr.Arguments); err != nil {
		return nil, Failure(conversation.KindInvalidArguments,
			fmt.Sprintf("Invalid arguments for %s: %s", tr.Name, err.Error())), false
	}
	return tool, Outcome{}, true
}

// execute runs tool under the dispatcher timeout. A tool that ignores its
// context is abandoned once the deadline passes.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, call Call) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("tool panicked", "tool", tool.Name(), "panic", r)
				done <- Failure(conversation.KindExecutionFailed, fmt.Sprintf("tool %s failed: %v", tool.Name(), r))
			}
		}()
		done <- tool.Execute(ctx, call)
	}()

	select {
	case out := <-done:
		if !out.Failed() && out.Payload == nil {
			out.Payload = map[string]any{}
		}
		return out
	case <-ctx.Done():
		return Failure(conversation.KindTimeout, fmt.Sprintf("Tool %s timed out after %s.", tool.Name(), d.timeout))
	}
}

// scan runs the tool-stage guard over a successful payload. A blocked
// payload becomes an execution failure.
func (d *Dispatcher) scan(ctx context.Context, name, sessionID string, out Outcome) Outcome {
	if d.guard == nil || out.Failed() {
		return out
	}
	payload, err := d.guard.CheckPayload(ctx, scanner.StageTool, out.Payload, "tool", name, "session_id", sessionID)
	if err != nil {
		if pserr.HasCode(err, pserr.CodeSecurityScannerBlocked) {
			return Failure(conversation.KindExecutionFailed,
				fmt.Sprintf("The output of %s was withheld by the content scanner.", name))
		}
		d.log.Error("scanning tool output failed", "tool", name, "session_id", sessionID, "error", err)
		return Failure(conversation.KindExecutionFailed, fmt.Sprintf("tool %s failed", name))
	}
	out.Payload = payload
	return out
}

// auditDispatch writes a best-effort tool_dispatch entry.
func (d *Dispatcher) auditDispatch(ctx context.Context, req DispatchRequest, tr conversation.ToolRequest, out Outcome) {
	if d.audit == nil {
		return
	}

	args := string(tr.Arguments)
	if tr.Malformed() {
		args = tr.RawArguments
	}
	args = truncate(args, maxAuditArgs)

	result := "ok"
	details := map[string]any{
		"tool_call_id":   tr.ID,
		"tool_arguments": args,
	}
	if out.Err != nil {
		result = string(out.Err.Kind)
		details["error"] = out.Err.Message
	}

	entry := &store.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    "tool_dispatch",
		Actor:     req.Actor,
		Role:      req.Role,
		Tool:      tr.Name,
		SessionID: req.SessionID,
		Details:   details,
		Result:    result,
	}

	if err := d.audit.Append(ctx, entry); err != nil {
		consecutive := d.auditFailCount.Add(1)
		cumulative := d.auditFailTotal.Add(1)
		attrs := []slog.Attr{
			slog.Any("error", err),
			slog.String("tool", tr.Name),
			slog.String("session_id", req.SessionID),
			slog.Int64("consecutive_failures", consecutive),
		}
		if consecutive >= security.AuditLogEscalationThreshold {
			attrs = append(attrs, slog.Int64("total_failures", cumulative))
		}
		logAuditFailure(ctx, d.log, consecutive, "audit store append failed", attrs...)
		return
	}
	d.auditFailCount.Store(0)
}
