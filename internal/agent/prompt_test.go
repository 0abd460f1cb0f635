// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package agent_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partscout/partscout/internal/agent"
	pserr "github.com/partscout/partscout/pkg/errors"
)

func TestParsePrompt(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    agent.Prompt
		wantErr bool
	}{
		{
			name:  "body only",
			input: "  You answer questions about parts.\n",
			want:  agent.Prompt{Body: "You answer questions about parts."},
		},
		{
			name:  "frontmatter and body",
			input: "---\nname: agent\nmodel: openai/gpt-4o\nmax_tokens: 512\n---\nBe helpful.\n",
			want:  agent.Prompt{Name: "agent", Model: "openai/gpt-4o", MaxTokens: 512, Body: "Be helpful."},
		},
		{
			name:  "crlf line endings",
			input: "---\r\ndescription: d\r\n---\r\nBody\r\n",
			want:  agent.Prompt{Description: "d", Body: "Body"},
		},
		{
			name:  "frontmatter without body",
			input: "---\nname: empty\n---",
			want:  agent.Prompt{Name: "empty"},
		},
		{
			name:    "unterminated frontmatter",
			input:   "---\nname: broken\nBody",
			wantErr: true,
		},
		{
			name:    "bad yaml",
			input:   "---\nname: [unclosed\n---\nBody",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := agent.ParsePrompt([]byte(tt.input))
			if tt.wantErr {
				assert.True(t, pserr.HasCode(err, pserr.CodeAgentPromptParseInvalid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParsePrompt_Temperature(t *testing.T) {
	p, err := agent.ParsePrompt([]byte("---\ntemperature: 0.3\n---\nx"))
	require.NoError(t, err)
	require.NotNil(t, p.Temperature)
	assert.InDelta(t, 0.3, *p.Temperature, 1e-6)
	assert.Equal(t, p.Temperature, p.Options().Temperature)
}

func TestLoadPrompt(t *testing.T) {
	def := agent.Prompt{Name: "extract", Description: "default description", Model: "google/gemini-2.5-flash", Body: "default body"}

	t.Run("no directory", func(t *testing.T) {
		got, err := agent.LoadPrompt("", "extract", def)
		require.NoError(t, err)
		assert.Equal(t, def, got)
	})

	t.Run("missing file", func(t *testing.T) {
		got, err := agent.LoadPrompt(t.TempDir(), "extract", def)
		require.NoError(t, err)
		assert.Equal(t, def, got)
	})

	t.Run("partial override", func(t *testing.T) {
		dir := t.TempDir()
		content := "---\ndescription: custom description\n---\nCustom body."
		require.NoError(t, os.WriteFile(filepath.Join(dir, "extract.md"), []byte(content), 0o600))

		got, err := agent.LoadPrompt(dir, "extract", def)
		require.NoError(t, err)
		assert.Equal(t, "extract", got.Name)
		assert.Equal(t, "custom description", got.Description)
		assert.Equal(t, def.Model, got.Model)
		assert.Equal(t, "Custom body.", got.Body)
	})

	t.Run("invalid file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "extract.md"), []byte("---\nname: x\n"), 0o600))

		got, err := agent.LoadPrompt(dir, "extract", def)
		require.Error(t, err)
		assert.Equal(t, def, got)
		assert.Equal(t, filepath.Join(dir, "extract.md"), pserr.FieldsOf(err)["path"])
	})
}
