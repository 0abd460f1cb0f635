// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package config

import (
	_ "embed"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	pserr "github.com/partscout/partscout/pkg/errors"
)

//go:embed partscout.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/partscout/partscout.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pserr.Wrap(err, pserr.CodeConfigLoadReadFailure, "resolving home directory")
	}
	return filepath.Join(home, ".config", "partscout", "partscout.yaml"), nil
}

// BootstrapConfig writes the default commented config to the default path if
// nothing exists there yet. It returns the path written, or "" when the file
// already existed or could not be written.
func BootstrapConfig() string {
	cfgPath, err := DefaultConfigPath()
	if err != nil {
		slog.Debug("skipping config bootstrap", "error", err)
		return ""
	}
	return bootstrapAt(cfgPath)
}

func bootstrapAt(cfgPath string) string {
	if _, err := os.Stat(cfgPath); err == nil {
		return ""
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Debug("skipping config bootstrap: cannot create directory", "path", dir, "error", err)
		return ""
	}
	if err := os.WriteFile(cfgPath, DefaultConfigYAML, 0o600); err != nil {
		slog.Debug("skipping config bootstrap: cannot write config", "path", cfgPath, "error", err)
		return ""
	}

	slog.Info("created default config", "path", cfgPath)
	return cfgPath
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return pserr.Wrap(err, pserr.CodeConfigParseInvalidFormat, "loading env file", pserr.Field("path", path))
	}
	slog.Debug("loaded env file", "path", path)
	return nil
}
