// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

// Package secrets stores provider API keys in the OS keyring and resolves
// keyring:// references found in configuration.
package secrets

// ServiceName is the keyring service under which partscout keeps its keys.
const ServiceName = "partscout"

// Store provides secret storage keyed by service and key name.
type Store interface {
	// Store saves value under service/key, replacing any previous value.
	Store(service, key, value string) error
	// Retrieve returns the value; a missing key is CodeSecretNotFound.
	Retrieve(service, key string) (string, error)
	// Delete removes the key; a missing key is CodeSecretNotFound.
	Delete(service, key string) error
	// List returns the key names stored under service.
	List(service string) ([]string, error)
}

// ProviderKeyName is the conventional key name for a provider's API key,
// e.g. "google-api-key".
func ProviderKeyName(provider string) string {
	return provider + "-api-key"
}

// URI returns the keyring reference for key under ServiceName.
func URI(key string) string {
	return keyringScheme + ServiceName + "/" + key
}
