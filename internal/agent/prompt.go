// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package agent

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/partscout/partscout/internal/provider"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// DefaultSystemPrompt is the agent instruction used when no override exists.
const DefaultSystemPrompt = "You are a helpful AI assistant."

// Prompt is a system prompt plus the model settings that go with it.
type Prompt struct {
	Name        string
	Description string
	// Model is a provider/model ref; empty means the router default.
	Model       string
	Temperature *float32
	MaxTokens   int
	Body        string
}

type promptFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Model       string   `yaml:"model"`
	Temperature *float32 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// Options returns the chat options the prompt asks for.
func (p Prompt) Options() provider.ChatOptions {
	return provider.ChatOptions{Temperature: p.Temperature, MaxTokens: p.MaxTokens}
}

// ParsePrompt parses markdown with optional YAML frontmatter delimited by
// "---" lines.
func ParsePrompt(data []byte) (*Prompt, error) {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	if !strings.HasPrefix(content, "---\n") {
		return &Prompt{Body: strings.TrimSpace(content)}, nil
	}

	rest := content[4:]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		if !strings.HasSuffix(rest, "\n---") {
			return nil, pserr.New(pserr.CodeAgentPromptParseInvalid, "missing closing frontmatter delimiter")
		}
		idx = len(rest) - 4
	}

	var fm promptFrontmatter
	if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
		return nil, pserr.Wrap(err, pserr.CodeAgentPromptParseInvalid, "parsing frontmatter")
	}

	body := ""
	if end := idx + 5; end <= len(rest) {
		body = rest[end:]
	}
	return &Prompt{
		Name:        fm.Name,
		Description: fm.Description,
		Model:       fm.Model,
		Temperature: fm.Temperature,
		MaxTokens:   fm.MaxTokens,
		Body:        strings.TrimSpace(body),
	}, nil
}

// ParsePromptFile reads and parses the prompt at path.
func ParsePromptFile(path string) (*Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParsePrompt(data)
	if err != nil {
		return nil, pserr.With(err, pserr.Field("path", path))
	}
	return p, nil
}

// LoadPrompt returns def overlaid with <dir>/<name>.md. An empty dir or a
// missing file yields def unchanged; fields left empty in the file keep
// their default.
func LoadPrompt(dir, name string, def Prompt) (Prompt, error) {
	if dir == "" {
		return def, nil
	}
	p, err := ParsePromptFile(filepath.Join(dir, name+".md"))
	if errors.Is(err, fs.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return def, err
	}

	out := def
	if p.Name != "" {
		out.Name = p.Name
	}
	if p.Description != "" {
		out.Description = p.Description
	}
	if p.Model != "" {
		out.Model = p.Model
	}
	if p.Temperature != nil {
		out.Temperature = p.Temperature
	}
	if p.MaxTokens > 0 {
		out.MaxTokens = p.MaxTokens
	}
	if p.Body != "" {
		out.Body = p.Body
	}
	return out, nil
}
