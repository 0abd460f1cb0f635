// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

// Package security implements role-based tool authorization.
//
// The model is fail-closed: a tool not listed for a role is unreachable for
// that role, and a role absent from the table has no tools at all.
package security

import (
	"slices"
	"strings"

	"github.com/samber/lo"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// Tool names shipped with partscout.
const (
	ToolExtractProductInfo  = "extract_product_info"
	ToolFindSimilarProducts = "find_similar_products"
)

// DefaultPermissions returns the built-in role table.
func DefaultPermissions() map[string][]string {
	return map[string][]string{
		"admin": {ToolExtractProductInfo, ToolFindSimilarProducts},
		"user":  {ToolExtractProductInfo},
	}
}

// PermissionTable maps a role to the set of tools it may invoke.
// It is immutable once built and safe for concurrent use.
type PermissionTable struct {
	roles map[string]map[string]struct{}
}

// NewPermissionTable builds a table from role → tool names. Blank names are
// dropped and duplicates collapse.
func NewPermissionTable(perms map[string][]string) *PermissionTable {
	t := &PermissionTable{roles: make(map[string]map[string]struct{}, len(perms))}
	for role, tools := range perms {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		set := make(map[string]struct{}, len(tools))
		for _, tool := range lo.Compact(lo.Map(tools, func(s string, _ int) string { return strings.TrimSpace(s) })) {
			set[tool] = struct{}{}
		}
		t.roles[role] = set
	}
	return t
}

// Allowed reports whether role may invoke tool.
func (t *PermissionTable) Allowed(role, tool string) bool {
	if t == nil {
		return false
	}
	_, ok := t.roles[role][tool]
	return ok
}

// Tools returns the sorted tool names granted to role.
func (t *PermissionTable) Tools(role string) []string {
	if t == nil {
		return nil
	}
	tools := lo.Keys(t.roles[role])
	slices.Sort(tools)
	return tools
}

// Roles returns the sorted role names present in the table.
func (t *PermissionTable) Roles() []string {
	if t == nil {
		return nil
	}
	roles := lo.Keys(t.roles)
	slices.Sort(roles)
	return roles
}

// Validate reports every granted tool that is not in known.
func (t *PermissionTable) Validate(known []string) error {
	var errs []error
	for _, role := range t.Roles() {
		for _, tool := range lo.Without(t.Tools(role), known...) {
			errs = append(errs, pserr.Errorf(pserr.CodeConfigValidateInvalidValue,
				"permissions.%s: unknown tool %q", role, tool))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return pserr.Wrap(pserr.Join(errs...), pserr.CodeConfigValidateInvalidValue, "invalid permission table")
}
