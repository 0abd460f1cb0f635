// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package secrets

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/samber/lo"
	"github.com/zalando/go-keyring"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// indexKey holds a JSON list of the key names stored under a service, since
// go-keyring cannot enumerate entries.
const indexKey = "::index"

// KeyringStore implements Store on the OS keyring (Keychain, Secret Service
// or Windows Credential Manager) via zalando/go-keyring.
type KeyringStore struct{}

// NewKeyringStore returns a KeyringStore.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func checkRef(op, service, key string) error {
	if service == "" {
		return pserr.Errorf(pserr.CodeSecretInvalidInput, "secret %s: service must not be empty", op)
	}
	if key == "" || key == indexKey {
		return pserr.Errorf(pserr.CodeSecretInvalidInput, "secret %s: invalid key %q", op, key)
	}
	return nil
}

func (s *KeyringStore) Store(service, key, value string) error {
	if err := checkRef("store", service, key); err != nil {
		return err
	}
	if err := keyring.Set(service, key, value); err != nil {
		return pserr.Wrapf(err, pserr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}

	keys, err := s.List(service)
	if err != nil {
		return err
	}
	return s.saveIndex(service, lo.Uniq(append(keys, key)))
}

func (s *KeyringStore) Retrieve(service, key string) (string, error) {
	if err := checkRef("retrieve", service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", pserr.Errorf(pserr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return "", pserr.Wrapf(err, pserr.CodeSecretStoreFailure, "retrieving secret %s/%s", service, key)
	}
	return val, nil
}

func (s *KeyringStore) Delete(service, key string) error {
	if err := checkRef("delete", service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return pserr.Errorf(pserr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return pserr.Wrapf(err, pserr.CodeSecretDeleteFailure, "deleting secret %s/%s", service, key)
	}

	keys, err := s.List(service)
	if err != nil {
		return err
	}
	return s.saveIndex(service, lo.Without(keys, key))
}

func (s *KeyringStore) List(service string) ([]string, error) {
	raw, err := keyring.Get(service, indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pserr.Wrapf(err, pserr.CodeSecretListFailure, "loading key index for %s", service)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, pserr.Wrapf(err, pserr.CodeSecretListFailure, "decoding key index for %s", service)
	}
	return keys, nil
}

func (s *KeyringStore) saveIndex(service string, keys []string) error {
	if len(keys) == 0 {
		if err := keyring.Delete(service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("failed to remove empty key index", "service", service, "error", err)
		}
		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return pserr.Wrapf(err, pserr.CodeSecretListFailure, "encoding key index for %s", service)
	}
	if err := keyring.Set(service, indexKey, string(data)); err != nil {
		return pserr.Wrapf(err, pserr.CodeSecretListFailure, "saving key index for %s", service)
	}
	return nil
}
