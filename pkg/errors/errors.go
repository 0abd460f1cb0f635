// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

// Package errors provides coded, structured errors for partscout.
// Codes are dotted strings; the last segment is the reason used by the
// classification helpers (IsNotFound, IsUnauthorized, ...).
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStoreNotFound        Code = "store.entity.get.not_found"
	CodeStoreDatabaseFailure Code = "store.database.failure"
	CodeStoreInvalidInput    Code = "store.invalid_input"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"
	CodeConfigAlreadyExists        Code = "config.write.conflict"

	CodeCredentialsReadFailure  Code = "credentials.read.failure"
	CodeCredentialsWriteFailure Code = "credentials.write.failure"
	CodeCredentialsInvalidInput Code = "credentials.upsert.invalid_input"
	CodeCredentialsParseInvalid Code = "credentials.parse.invalid_format"
	CodeCredentialsUnauthorized Code = "credentials.authenticate.unauthorized"

	CodeSecurityPermissionDenied Code = "security.permission.denied"
	CodeSecurityInvalidInput     Code = "security.check.invalid_input"
	CodeSecurityAuditFailure     Code = "security.audit.failure"
	CodeSecurityScannerFailure   Code = "security.scanner.failure"
	CodeSecurityScannerBlocked   Code = "security.scanner.invalid_input"

	CodeProviderRequestInvalid  Code = "provider.request.invalid"
	CodeProviderResponseInvalid Code = "provider.response.invalid"
	CodeProviderUpstreamFailure Code = "provider.upstream.failure"
	CodeProviderNotFound        Code = "provider.registry.not_found"
	CodeProviderAllUnavailable  Code = "provider.routing.all_unavailable"
	CodeProviderNoDefault       Code = "provider.routing.no_default"
	CodeProviderInvalidModelRef Code = "provider.routing.invalid_model_ref"
	CodeProviderNoEmbedder      Code = "provider.embedding.not_found"
	CodeProviderKeyInvalid      Code = "provider.key.invalid"
	CodeProviderKeyCheckFailed  Code = "provider.key.check.failure"

	CodeAgentLoopInvalidInput        Code = "agent.loop.invalid_input"
	CodeAgentLoopFailure             Code = "agent.loop.failure"
	CodeAgentReasoningFailure        Code = "agent.reasoning.upstream.failure"
	CodeAgentLoopIterationsExceeded  Code = "agent.loop.iterations_exceeded"
	CodeAgentToolBudgetExceeded      Code = "agent.tool.budget_exceeded"
	CodeAgentToolTimeout             Code = "agent.tool.timeout"
	CodeAgentToolNotFound            Code = "agent.tool.not_found"
	CodeAgentToolArgumentsInvalid    Code = "agent.tool.arguments.invalid"
	CodeAgentToolRegistrationInvalid Code = "agent.tool.registration.invalid"
	CodeAgentToolExecutionFailure    Code = "agent.tool.execution.failure"
	CodeAgentPromptParseInvalid      Code = "agent.prompt.parse.invalid"
	CodeAgentLaneClosed              Code = "agent.lane.closed.failure"

	CodeToolPreconditionNotFound Code = "tool.precondition.not_found"
	CodeToolIndexInvalidInput    Code = "tool.index.invalid_input"

	CodeServerRequestInvalid   Code = "server.request.invalid"
	CodeServerAuthUnauthorized Code = "server.auth.unauthorized"
	CodeServerInternalFailure  Code = "server.internal.failure"
	CodeServerEntityNotFound   Code = "server.entity.not_found"
	CodeServerConfigInvalid    Code = "server.config.invalid"
	CodeServerStartFailure     Code = "server.start.failure"
	CodeServerShutdownFailure  Code = "server.shutdown.failure"

	CodeCLIServerNotRunning Code = "cli.server.not_running"
	CodeCLIRequestFailure   Code = "cli.request.failure"
	CodeCLIResponseInvalid  Code = "cli.response.invalid"
	CodeCLISetupFailure     Code = "cli.setup.failure"
	CodeCLIInputInvalid     Code = "cli.input.invalid"

	CodeSecretInvalidInput   Code = "secret.input.invalid_input"
	CodeSecretNotFound       Code = "secret.get.not_found"
	CodeSecretStoreFailure   Code = "secret.store.failure"
	CodeSecretDeleteFailure  Code = "secret.delete.failure"
	CodeSecretResolveFailure Code = "secret.resolve.failure"
	CodeSecretListFailure    Code = "secret.list.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldRole(value string) Attr {
	return Field("role", value)
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func FieldUsername(value string) Attr {
	return Field("username", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

// CodeOf returns the code of the innermost coded error in err's chain, or ""
// when err carries none.
func CodeOf(err error) Code {
	oe, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch c := oe.Code().(type) {
	case nil:
		return ""
	case Code:
		return c
	case string:
		return Code(c)
	default:
		return Code(fmt.Sprint(c))
	}
}

// FieldsOf returns the structured fields attached anywhere in err's chain.
func FieldsOf(err error) map[string]any {
	oe, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oe.Context()
}

// HasCode reports whether err's code is exactly code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// class groups code reasons that callers handle the same way.
type class uint8

const (
	classUnknown class = iota
	classNotFound
	classConflict
	classInvalid
	classUnauthenticated
	classForbidden
	classExhausted
	classTimeout
)

var reasonClasses = map[string]class{
	"not_found":           classNotFound,
	"conflict":            classConflict,
	"invalid":             classInvalid,
	"invalid_input":       classInvalid,
	"invalid_value":       classInvalid,
	"invalid_format":      classInvalid,
	"unauthorized":        classUnauthenticated,
	"forbidden":           classForbidden,
	"denied":              classForbidden,
	"exceeded":            classExhausted,
	"budget_exceeded":     classExhausted,
	"iterations_exceeded": classExhausted,
	"timeout":             classTimeout,
}

var classStatus = map[class]int{
	classNotFound:        http.StatusNotFound,
	classConflict:        http.StatusConflict,
	classInvalid:         http.StatusBadRequest,
	classUnauthenticated: http.StatusUnauthorized,
	classForbidden:       http.StatusForbidden,
	classExhausted:       http.StatusTooManyRequests,
	classTimeout:         http.StatusGatewayTimeout,
}

func classOf(err error) class {
	return reasonClasses[reason(CodeOf(err))]
}

func IsNotFound(err error) bool     { return classOf(err) == classNotFound }
func IsConflict(err error) bool     { return classOf(err) == classConflict }
func IsInvalidInput(err error) bool { return classOf(err) == classInvalid }
func IsTimeout(err error) bool      { return classOf(err) == classTimeout }

// IsUnauthorized covers both missing credentials and denied permissions.
func IsUnauthorized(err error) bool {
	c := classOf(err)
	return c == classUnauthenticated || c == classForbidden
}

// IsBudgetExceeded covers tool-call budgets and the loop iteration cap.
func IsBudgetExceeded(err error) bool { return classOf(err) == classExhausted }

// IsUpstreamFailure reports a failure of a remote dependency such as a model
// provider, as opposed to a local one.
func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return reason(code) == "failure" && strings.Contains(string(code), "upstream")
}

// HTTPStatus maps err to the status the API answers with. Uncoded errors
// are 500.
func HTTPStatus(err error) int {
	if status, ok := classStatus[classOf(err)]; ok {
		return status
	}
	if IsUpstreamFailure(err) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Join combines errs under CodeServerInternalFailure. Codes of the joined
// errors are not preserved.
func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	kv := make([]any, 0, 2*len(fields))
	for _, f := range fields {
		if f.Key != "" {
			kv = append(kv, f.Key, f.Value)
		}
	}
	return kv
}

// reason is the last dotted segment of code.
func reason(code Code) string {
	s := string(code)
	if i := strings.LastIndexByte(s, '.'); i >= 0 && i < len(s)-1 {
		return s[i+1:]
	}
	return s
}
