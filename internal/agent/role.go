// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package agent

import (
	"regexp"
	"strings"

	"github.com/partscout/partscout/internal/conversation"
)

// DefaultRole applies when the latest human message names no usable role.
const DefaultRole = "default"

var rolePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ResolveRole returns the role carried by the user_type of the first part of
// the latest human message. Missing or malformed values resolve to
// DefaultRole. The result depends only on conv.
func ResolveRole(conv conversation.Conversation) string {
	msg, ok := conv.LatestHuman()
	if !ok || len(msg.Parts) == 0 {
		return DefaultRole
	}
	return NormalizeRole(msg.Parts[0].UserType)
}

// NormalizeRole trims role and maps malformed values to DefaultRole.
func NormalizeRole(role string) string {
	role = strings.TrimSpace(role)
	if !rolePattern.MatchString(role) {
		return DefaultRole
	}
	return role
}
