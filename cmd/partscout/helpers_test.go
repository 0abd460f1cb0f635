// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/secrets"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// mockSecretStore is an in-memory secrets.Store.
type mockSecretStore struct {
	data map[string]string
}

func newMockSecretStore(keys ...string) *mockSecretStore {
	m := &mockSecretStore{data: make(map[string]string)}
	for _, k := range keys {
		m.data[k] = "redacted"
	}
	return m
}

func (m *mockSecretStore) Store(_, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *mockSecretStore) Retrieve(_, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", pserr.Errorf(pserr.CodeSecretNotFound, "not found")
	}
	return v, nil
}

func (m *mockSecretStore) Delete(_, key string) error {
	if _, ok := m.data[key]; !ok {
		return pserr.Errorf(pserr.CodeSecretNotFound, "not found")
	}
	delete(m.data, key)
	return nil
}

func (m *mockSecretStore) List(_ string) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// stubKeyCheck answers every provider key check with status.
func stubKeyCheck(t *testing.T, status int) {
	t.Helper()
	prev := keyCheckClient
	keyCheckClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Body:       http.NoBody,
			Header:     make(http.Header),
			Request:    r,
		}, nil
	})}
	t.Cleanup(func() { keyCheckClient = prev })
}

// cliEnv isolates one command invocation: HOME, config file, data dir and
// secret store all live under a temp dir.
type cliEnv struct {
	dir     string
	cfgPath string
	secrets *mockSecretStore
	stderr  bytes.Buffer
}

func newCLIEnv(t *testing.T, extraYAML string) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	for _, k := range []string{"GOOGLE_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "PARTSCOUT_PASSWORD"} {
		t.Setenv(k, "")
	}
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg := fmt.Sprintf(`networking:
  listen: "127.0.0.1:18080"
storage:
  data_dir: %q
credentials:
  path: %q
index:
  dimensions: 4
%s`, filepath.Join(dir, "data"), filepath.Join(dir, "db.json"), extraYAML)
	cfgPath := filepath.Join(dir, "partscout.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	env := &cliEnv{dir: dir, cfgPath: cfgPath, secrets: newMockSecretStore()}
	prev := secretStoreFactory
	secretStoreFactory = func() secrets.Store { return env.secrets }
	t.Cleanup(func() { secretStoreFactory = prev })
	return env
}

// run executes the root command with args and returns stdout.
func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()
	var out bytes.Buffer
	e.stderr.Reset()
	root.SetOut(&out)
	root.SetErr(&e.stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", e.cfgPath, "--env-file", filepath.Join(e.dir, ".env")}, args...))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// fakeProvider satisfies provider.Provider and provider.Embedder.
type fakeProvider struct {
	name string
	key  string
	dims int
}

func (p *fakeProvider) Name() string                   { return p.name }
func (p *fakeProvider) Available(context.Context) bool { return true }

func (p *fakeProvider) ListModels(context.Context) ([]provider.ModelInfo, error) { return nil, nil }

func (p *fakeProvider) Chat(context.Context, provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	ch := make(chan provider.ChatEvent, 2)
	ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: "ok"}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Status(context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{Available: true, Provider: p.name}, nil
}

func (p *fakeProvider) Close() error { return nil }

func (p *fakeProvider) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, p.dims)
		v[0] = float32(len(text))
		v[len(v)-1] = 1
		out[i] = v
	}
	return out, nil
}

// stubProviderFactories replaces the built-in factories with fakes that
// record what they were built with.
func stubProviderFactories(t *testing.T, names ...string) map[string]*fakeProvider {
	t.Helper()
	built := make(map[string]*fakeProvider)
	prev := builtinProviderFactories
	builtinProviderFactories = make(map[string]providerFactory, len(names))
	for _, name := range names {
		builtinProviderFactories[name] = func(pc config.ProviderConfig, dims int) (provider.Provider, error) {
			p := &fakeProvider{name: name, key: pc.APIKey, dims: dims}
			built[name] = p
			return p, nil
		}
	}
	t.Cleanup(func() { builtinProviderFactories = prev })
	return built
}
