// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package provider

import (
	"context"
	"io"
	"net/http"
	"slices"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// ProviderName identifies a provider whose API key partscout can store and check.
type ProviderName string

const (
	ProviderAnthropic ProviderName = "anthropic"
	ProviderOpenAI    ProviderName = "openai"
	ProviderGoogle    ProviderName = "google"
)

// keyCheck is the cheapest authenticated call a provider offers: listing models.
type keyCheck struct {
	url  string
	sign func(h http.Header, key string)
}

var keyChecks = map[ProviderName]keyCheck{
	ProviderAnthropic: {
		url: "https://api.anthropic.com/v1/models",
		sign: func(h http.Header, key string) {
			h.Set("x-api-key", key)
			h.Set("anthropic-version", "2023-06-01")
		},
	},
	ProviderOpenAI: {
		url:  "https://api.openai.com/v1/models",
		sign: func(h http.Header, key string) { h.Set("Authorization", "Bearer "+key) },
	},
	ProviderGoogle: {
		url:  "https://generativelanguage.googleapis.com/v1/models",
		sign: func(h http.Header, key string) { h.Set("x-goog-api-key", key) },
	},
}

// KeyProviders lists the providers ValidateKey understands, sorted.
func KeyProviders() []ProviderName {
	names := make([]ProviderName, 0, len(keyChecks))
	for n := range keyChecks {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ValidateKey lists the provider's models with key. A 401 or 403 answer is
// CodeProviderKeyInvalid; any other failure, including transport errors, is
// CodeProviderKeyCheckFailed because it says nothing about the key.
func ValidateKey(ctx context.Context, client *http.Client, name ProviderName, key string) error {
	kc, ok := keyChecks[name]
	if !ok {
		return pserr.Errorf(pserr.CodeProviderKeyInvalid, "unknown provider: %s", name)
	}
	return kc.check(ctx, client, name, key, kc.url)
}

func (p keyCheck) check(ctx context.Context, client *http.Client, name ProviderName, key, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pserr.Wrapf(err, pserr.CodeProviderKeyCheckFailed, "building %s key check", name)
	}
	p.sign(req.Header, key)

	resp, err := client.Do(req)
	if err != nil {
		return pserr.Wrapf(err, pserr.CodeProviderKeyCheckFailed, "checking %s key", name)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return pserr.Errorf(pserr.CodeProviderKeyInvalid, "%s rejected the API key (HTTP %d)", name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return pserr.Errorf(pserr.CodeProviderKeyCheckFailed, "%s key check failed (HTTP %d)", name, resp.StatusCode)
	}
	return nil
}
