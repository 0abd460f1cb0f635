// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSpec(t *testing.T) {
	spec, err := generateSpec("out.json")
	require.NoError(t, err)

	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(spec, &doc))
	assert.Contains(t, doc.OpenAPI, "3.1")

	for path, method := range map[string]string{
		"/health":               "get",
		"/api/v1/chat":          "post",
		"/api/v1/chat/stream":   "post",
		"/api/v1/tools":         "get",
		"/api/v1/sessions/{id}": "delete",
	} {
		require.Contains(t, doc.Paths, path)
		assert.Contains(t, doc.Paths[path], method, path)
	}
}

func TestGenerateSpec_YAML(t *testing.T) {
	spec, err := generateSpec("api/partscout.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(spec), "openapi: 3.1")
	assert.Contains(t, string(spec), "/api/v1/chat/stream:")
}
