// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package store

import (
	"sync"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// Factory opens every store rooted at dataPath.
type Factory func(dataPath string, vectorDims int) (Store, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a factory for a named storage backend.
// Backend packages call this from init(). This function is goroutine-safe.
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Open creates all stores for the given data directory.
func Open(cfg *StorageConfig, dataPath string) (Store, error) {
	backend := cfg.backend()

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, pserr.Errorf(pserr.CodeStoreInvalidInput, "unsupported storage backend: %q", backend)
	}
	return factory(dataPath, cfg.dimensions())
}
