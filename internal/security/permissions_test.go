// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package security_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partscout/partscout/internal/security"
	pserr "github.com/partscout/partscout/pkg/errors"
)

func TestPermissionTable_DefaultTable(t *testing.T) {
	table := security.NewPermissionTable(security.DefaultPermissions())

	tests := []struct {
		role, tool string
		want       bool
	}{
		{"admin", security.ToolExtractProductInfo, true},
		{"admin", security.ToolFindSimilarProducts, true},
		{"user", security.ToolExtractProductInfo, true},
		{"user", security.ToolFindSimilarProducts, false},
		{"default", security.ToolExtractProductInfo, false},
		{"default", security.ToolFindSimilarProducts, false},
		{"ghost", security.ToolExtractProductInfo, false},
		{"admin", "rm_rf", false},
		{"", security.ToolExtractProductInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Allowed(tt.role, tt.tool))
		})
	}
}

func TestPermissionTable_NormalizesInput(t *testing.T) {
	table := security.NewPermissionTable(map[string][]string{
		" ops ": {"b", " a ", "", "a"},
		"":      {"x"},
	})

	assert.Equal(t, []string{"ops"}, table.Roles())
	assert.Equal(t, []string{"a", "b"}, table.Tools("ops"))
	assert.Empty(t, table.Tools("missing"))
}

func TestPermissionTable_NilIsClosed(t *testing.T) {
	var table *security.PermissionTable
	assert.False(t, table.Allowed("admin", security.ToolExtractProductInfo))
	assert.Nil(t, table.Tools("admin"))
}

func TestPermissionTable_Validate(t *testing.T) {
	known := []string{security.ToolExtractProductInfo, security.ToolFindSimilarProducts}

	require.NoError(t, security.NewPermissionTable(security.DefaultPermissions()).Validate(known))

	err := security.NewPermissionTable(map[string][]string{"user": {"extract_product_inf"}}).Validate(known)
	require.Error(t, err)
	assert.True(t, pserr.IsInvalidInput(err))
	assert.Contains(t, err.Error(), "extract_product_inf")
}
