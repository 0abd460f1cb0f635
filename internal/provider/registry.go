// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package provider

import (
	"context"
	"slices"
	"strings"
	"sync"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// Registry manages provider registration, lookup, and routing with failover.
// It implements the Router interface.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider

	defaultRef   string   // "provider/model" format
	failover     []string // ordered list of "provider/model" refs
	embeddingRef string
}

// Compile-time check that Registry implements Router.
var _ Router = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, pserr.New(
			pserr.CodeProviderNotFound,
			"provider not found: "+name,
			pserr.FieldProvider(name),
		)
	}
	return p, nil
}

// Names returns the sorted names of registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SetDefault sets the default "provider/model" reference. Returns an error
// if the provider portion of the ref is not registered.
func (r *Registry) SetDefault(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRefLocked("SetDefault", ref); err != nil {
		return err
	}
	r.defaultRef = ref
	return nil
}

// Default returns the default "provider/model" reference.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultRef
}

// SetFailover sets the ordered failover chain of "provider/model" refs.
// Returns an error if any provider portion of the refs is not registered.
func (r *Registry) SetFailover(chain []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ref := range chain {
		if err := r.checkRefLocked("SetFailover", ref); err != nil {
			return err
		}
	}
	r.failover = append([]string(nil), chain...)
	return nil
}

// SetEmbedding sets the "provider/model" ref used for embeddings. The
// provider must implement Embedder.
func (r *Registry) SetEmbedding(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRefLocked("SetEmbedding", ref); err != nil {
		return err
	}
	provName, _ := parseRef(ref)
	if _, ok := r.providers[provName].(Embedder); !ok {
		return pserr.New(
			pserr.CodeProviderNoEmbedder,
			"provider does not support embeddings: "+provName,
			pserr.FieldProvider(provName),
		)
	}
	r.embeddingRef = ref
	return nil
}

// Embedder returns the configured embedder and the model name to pass to it.
func (r *Registry) Embedder() (Embedder, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.embeddingRef == "" {
		return nil, "", pserr.New(pserr.CodeProviderNoEmbedder, "no embedding model configured")
	}
	provName, model := parseRef(r.embeddingRef)
	emb, ok := r.providers[provName].(Embedder)
	if !ok {
		return nil, "", pserr.New(pserr.CodeProviderNoEmbedder,
			"provider does not support embeddings: "+provName, pserr.FieldProvider(provName))
	}
	return emb, model, nil
}

// MaxAttempts returns 1 (primary) + len(failover chain).
func (r *Registry) MaxAttempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return 1 + len(r.failover)
}

// Route selects a provider for modelRef. When modelRef is empty or
// "default" the default ref is used. Unavailable candidates are skipped in
// favour of the failover chain; the chosen provider is returned with the
// bare model name.
func (r *Registry) Route(ctx context.Context, modelRef string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, err := r.resolveRef(modelRef)
	if err != nil {
		return nil, "", err
	}
	if ref == "" {
		return nil, "", pserr.New(
			pserr.CodeProviderNoDefault,
			"no default provider configured",
		)
	}

	if p, model, err := r.tryRef(ctx, ref); err == nil {
		return p, model, nil
	}

	for _, fallback := range r.failover {
		if fallback == ref {
			continue
		}
		p, model, err := r.tryRef(ctx, fallback)
		if err == nil {
			return p, model, nil
		}
	}

	return nil, "", pserr.New(
		pserr.CodeProviderAllUnavailable,
		"all providers unavailable: no healthy provider found",
	)
}

// Health returns a health snapshot for every provider that reports one.
func (r *Registry) Health() map[string]HealthMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]HealthMetrics, len(r.providers))
	for name, p := range r.providers {
		if hr, ok := p.(HealthReporter); ok {
			out[name] = hr.HealthMetrics()
		}
	}
	return out
}

// Close shuts down all registered providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return pserr.Join(errs...)
	}
	return nil
}

func (r *Registry) checkRefLocked(op, ref string) error {
	provName, model := parseRef(ref)
	if model == "" {
		return pserr.Errorf(pserr.CodeProviderInvalidModelRef,
			"%s: model ref %q must use provider/model format", op, ref)
	}
	if _, ok := r.providers[provName]; !ok {
		return pserr.New(
			pserr.CodeProviderNotFound,
			op+": provider not registered: "+provName,
			pserr.FieldProvider(provName),
		)
	}
	return nil
}

// resolveRef determines which "provider/model" ref to use.
// Caller must hold r.mu (at least RLock).
func (r *Registry) resolveRef(modelRef string) (string, error) {
	if modelRef != "" && modelRef != "default" {
		if !strings.Contains(modelRef, "/") {
			return "", pserr.Errorf(
				pserr.CodeProviderInvalidModelRef,
				"model name %q must use provider/model format", modelRef,
			)
		}
		return modelRef, nil
	}
	return r.defaultRef, nil
}

// tryRef parses a "provider/model" ref, looks up the provider, and checks
// availability. Caller must hold r.mu (at least RLock).
func (r *Registry) tryRef(ctx context.Context, ref string) (Provider, string, error) {
	providerName, model := parseRef(ref)

	p, ok := r.providers[providerName]
	if !ok {
		return nil, "", pserr.New(
			pserr.CodeProviderNotFound,
			"provider not found: "+providerName,
			pserr.FieldProvider(providerName),
		)
	}

	if !p.Available(ctx) {
		return nil, "", pserr.New(
			pserr.CodeProviderUpstreamFailure,
			"provider unavailable: "+providerName,
			pserr.FieldProvider(providerName),
		)
	}

	return p, model, nil
}

// parseRef splits a "provider/model" reference on the first "/".
func parseRef(ref string) (providerName, model string) {
	idx := strings.Index(ref, "/")
	if idx < 0 {
		return ref, ""
	}
	return ref[:idx], ref[idx+1:]
}

// ParseRef splits a "provider/model" reference on the first "/".
func ParseRef(ref string) (providerName, model string) { return parseRef(ref) }
