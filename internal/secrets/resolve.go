// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package secrets

import (
	"errors"
	"sort"
	"strings"

	"github.com/spf13/viper"

	pserr "github.com/partscout/partscout/pkg/errors"
)

const keyringScheme = "keyring://"

// IsKeyringURI reports whether value uses the keyring:// scheme.
func IsKeyringURI(value string) bool {
	return strings.HasPrefix(value, keyringScheme)
}

// ParseKeyringURI splits keyring://service/key. The key may contain slashes.
func ParseKeyringURI(uri string) (service, key string, err error) {
	if !IsKeyringURI(uri) {
		return "", "", pserr.Errorf(pserr.CodeSecretInvalidInput, "not a keyring URI: %q", uri)
	}
	service, key, ok := strings.Cut(strings.TrimPrefix(uri, keyringScheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", pserr.Errorf(pserr.CodeSecretInvalidInput,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return service, key, nil
}

// ResolveKeyringURI returns the secret a keyring:// URI points at. Other
// values are returned unchanged.
func ResolveKeyringURI(store Store, value string) (string, error) {
	if !IsKeyringURI(value) {
		return value, nil
	}
	service, key, err := ParseKeyringURI(value)
	if err != nil {
		return "", err
	}
	secret, err := store.Retrieve(service, key)
	if err != nil {
		return "", pserr.Wrapf(err, pserr.CodeSecretResolveFailure, "resolving keyring URI %q", value)
	}
	return secret, nil
}

// ResolveViperSecrets replaces every keyring:// string value in v with the
// stored secret. Values that cannot be resolved are left in place and
// reported together in the returned error.
func ResolveViperSecrets(v *viper.Viper, store Store) error {
	keys := v.AllKeys()
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		val, ok := v.Get(key).(string)
		if !ok || !IsKeyringURI(val) {
			continue
		}
		resolved, err := ResolveKeyringURI(store, val)
		if err != nil {
			errs = append(errs, pserr.With(err, pserr.Field("config_key", key)))
			continue
		}
		v.Set(key, resolved)
	}

	if len(errs) == 0 {
		return nil
	}
	return pserr.Wrap(errors.Join(errs...), pserr.CodeSecretResolveFailure, "unresolved keyring references")
}
