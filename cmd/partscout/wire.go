// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package main

import (
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/partscout/partscout/internal/agent"
	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/credentials"
	"github.com/partscout/partscout/internal/provider"
	anthropicprov "github.com/partscout/partscout/internal/provider/anthropic"
	googleprov "github.com/partscout/partscout/internal/provider/google"
	openaiprov "github.com/partscout/partscout/internal/provider/openai"
	"github.com/partscout/partscout/internal/secrets"
	"github.com/partscout/partscout/internal/security"
	"github.com/partscout/partscout/internal/security/scanner"
	"github.com/partscout/partscout/internal/server"
	"github.com/partscout/partscout/internal/store"
	_ "github.com/partscout/partscout/internal/store/sqlite" // register sqlite backend
	"github.com/partscout/partscout/internal/tools"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// App holds every wired subsystem and manages their lifecycle.
type App struct {
	Config      *config.Config
	Store       store.Store
	Providers   *provider.Registry
	Permissions *security.PermissionTable
	Enforcer    *security.Enforcer
	Tools       *agent.ToolRegistry
	Loop        *agent.Loop
	Credentials *credentials.Store
}

// WireApp opens storage, builds the provider registry, the tools and the
// agent loop.
func WireApp(cfg *config.Config) (*App, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Store: st, Credentials: credentials.NewStore(cfg.Credentials.Path)}
	if err := app.wire(); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire() error {
	cfg := a.Config

	reg, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	a.Providers = reg

	a.Tools = agent.NewToolRegistry()
	if err := tools.Register(a.Tools, tools.Config{
		Router:       reg,
		Embeddings:   reg,
		Chunks:       a.Store.Chunks(),
		ExtractModel: cfg.Tools.Extract.Model,
		TopK:         cfg.Tools.Similar.TopK,
		PromptsDir:   cfg.Prompts.Dir,
	}); err != nil {
		return pserr.Wrap(err, pserr.CodeCLISetupFailure, "registering tools")
	}

	a.Permissions = security.NewPermissionTable(cfg.Permissions)
	if err := a.Permissions.Validate(a.Tools.Names()); err != nil {
		return err
	}
	guard, err := contentGuard(cfg)
	if err != nil {
		return err
	}

	a.Enforcer = security.NewEnforcer(a.Permissions, a.Store.Audit(),
		security.WithAuditFailClosed(cfg.Audit.FailClosed),
		security.WithLogger(slog.Default()),
	)

	dispatcher, err := agent.NewDispatcher(agent.DispatcherConfig{
		Registry:    a.Tools,
		Enforcer:    a.Enforcer,
		AuditStore:  a.Store.Audit(),
		Timeout:     cfg.Agent.ToolTimeout,
		MaxParallel: cfg.Agent.MaxParallelTools,
		Guard:       guard,
	})
	if err != nil {
		return pserr.Wrap(err, pserr.CodeCLISetupFailure, "creating tool dispatcher")
	}

	prompt, err := agentPrompt(cfg)
	if err != nil {
		return err
	}
	a.Loop, err = agent.NewLoop(agent.LoopConfig{
		Router:              reg,
		Dispatcher:          dispatcher,
		AuditStore:          a.Store.Audit(),
		Prompt:              prompt,
		MaxIterations:       cfg.Agent.MaxIterations,
		MaxToolCallsPerTurn: cfg.Agent.MaxToolCallsPerTurn,
		Guard:               guard,
	})
	if err != nil {
		return pserr.Wrap(err, pserr.CodeCLISetupFailure, "creating agent loop")
	}
	return nil
}

func contentGuard(cfg *config.Config) (*scanner.Guard, error) {
	input, err := scanner.ParseMode(cfg.Security.Scanner.Input)
	if err != nil {
		return nil, err
	}
	tool, err := scanner.ParseMode(cfg.Security.Scanner.Tool)
	if err != nil {
		return nil, err
	}
	guard, err := scanner.NewDefaultGuard(input, tool, slog.Default())
	if err != nil {
		return nil, pserr.Wrap(err, pserr.CodeCLISetupFailure, "creating content scanner")
	}
	return guard, nil
}

func agentPrompt(cfg *config.Config) (agent.Prompt, error) {
	temperature := cfg.Models.Temperature
	def := agent.Prompt{
		Name:        "agent",
		Body:        cfg.Agent.SystemPrompt,
		Temperature: &temperature,
		MaxTokens:   cfg.Models.MaxTokens,
	}
	if def.Body == "" {
		def.Body = agent.DefaultSystemPrompt
	}
	p, err := agent.LoadPrompt(cfg.Prompts.Dir, "agent", def)
	if err != nil {
		return p, pserr.Wrap(err, pserr.CodeCLISetupFailure, "loading agent prompt")
	}
	return p, nil
}

// NewServer builds the HTTP server on top of the wired loop.
func (a *App) NewServer(listen string) (*server.Server, error) {
	if listen == "" {
		listen = a.Config.Networking.Listen
	}
	config.WarnInsecurePermissions(a.Credentials.Path())

	svc, err := server.NewServices(server.ServicesConfig{
		Chat:          a.Loop,
		Conversations: a.Store.Conversations(),
		Policy:        a.Permissions,
		Auth:          a.Credentials,
	})
	if err != nil {
		return nil, err
	}
	if !a.Config.Server.Auth.Required {
		slog.Warn("basic auth is optional: unauthenticated callers choose their role via user_type")
	}

	server.Version = version
	return server.New(server.Config{
		ListenAddr:   listen,
		CORSOrigins:  a.Config.Server.CORSOrigins,
		AuthRequired: a.Config.Server.Auth.Required,
	}, svc)
}

// Close releases all resources held by the app.
func (a *App) Close() error {
	var errs []error
	if a.Providers != nil {
		errs = append(errs, a.Providers.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

func openStore(cfg *config.Config) (store.Store, error) {
	dataDir, err := filepath.Abs(cfg.Storage.DataDir)
	if err != nil {
		return nil, pserr.Wrap(err, pserr.CodeCLISetupFailure, "resolving data directory")
	}
	st, err := store.Open(&store.StorageConfig{
		Backend:          cfg.Storage.Backend,
		VectorDimensions: cfg.Index.Dimensions,
	}, dataDir)
	if err != nil {
		return nil, pserr.Wrap(err, pserr.CodeCLISetupFailure, "opening storage", pserr.Field("data_dir", dataDir))
	}
	return st, nil
}

// providerFactory builds a provider.Provider from a ProviderConfig.
type providerFactory func(pc config.ProviderConfig, dims int) (provider.Provider, error)

// builtinProviderFactories maps provider names to their constructors.
// Declared as a variable so tests can inject fakes.
var builtinProviderFactories = map[string]providerFactory{
	"anthropic": func(pc config.ProviderConfig, _ int) (provider.Provider, error) {
		return anthropicprov.New(anthropicprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
	"google": func(pc config.ProviderConfig, dims int) (provider.Provider, error) {
		return googleprov.New(googleprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint, EmbeddingDimensions: dims})
	},
	"openai": func(pc config.ProviderConfig, dims int) (provider.Provider, error) {
		return openaiprov.New(openaiprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint, EmbeddingDimensions: dims})
	},
}

// buildProviders registers every configured provider that has a usable key
// and wires the default, failover and embedding refs. Only a missing default
// provider is fatal.
func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	registerBuiltinProviders(cfg, reg)

	if err := reg.SetDefault(cfg.Models.Default); err != nil {
		_ = reg.Close()
		return nil, pserr.Wrapf(err, pserr.CodeCLISetupFailure,
			"default model %s has no usable provider; set its API key", cfg.Models.Default)
	}
	if len(cfg.Models.Failover) > 0 {
		if err := reg.SetFailover(cfg.Models.Failover); err != nil {
			_ = reg.Close()
			return nil, pserr.Wrap(err, pserr.CodeCLISetupFailure, "setting failover chain")
		}
	}
	if cfg.Models.Embedding != "" {
		if err := reg.SetEmbedding(cfg.Models.Embedding); err != nil {
			slog.Warn("embeddings unavailable; find_similar_products will fail",
				"model", cfg.Models.Embedding, "error", err)
		}
	}
	return reg, nil
}

// registerBuiltinProviders iterates configured providers and registers
// matching built-in implementations. Unknown names, empty keys and
// unresolved keyring references are logged and skipped.
func registerBuiltinProviders(cfg *config.Config, reg *provider.Registry) {
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			slog.Debug("skipping provider with empty API key", "provider", name)
			continue
		}
		if secrets.IsKeyringURI(pc.APIKey) {
			slog.Warn("skipping provider with unresolved keyring key", "provider", name, "ref", pc.APIKey)
			continue
		}
		factory, ok := builtinProviderFactories[name]
		if !ok {
			slog.Warn("unknown provider in config, skipping", "provider", name)
			continue
		}
		p, err := factory(pc, cfg.Index.Dimensions)
		if err != nil {
			slog.Warn("failed to create provider", "provider", name, "error", err)
			continue
		}
		reg.Register(name, p)
		slog.Debug("registered provider", "provider", name)
	}
}
