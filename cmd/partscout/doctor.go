// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/credentials"
	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/secrets"
	pserr "github.com/partscout/partscout/pkg/errors"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check the server, configuration, credentials, provider API keys, the similarity index and disk space.",
		RunE:  runDoctor,
	}

	cmd.Flags().String("address", "", "server address to check (default networking.listen)")
	cmd.Flags().Bool("check-keys", false, "validate provider API keys against the providers")

	return cmd
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	addr, _ := cmd.Flags().GetString("address")
	if addr == "" {
		addr = viper.GetString("networking.listen")
	}
	checkKeys, _ := cmd.Flags().GetBool("check-keys")
	ctx := cmd.Context()

	cfg, cfgErr := loadConfig()

	checks := []struct {
		name string
		fn   func() string
	}{
		{"Binary", checkBinary},
		{"Platform", checkPlatform},
		{"Server", func() string { return checkServer(ctx, addr) }},
		{"Config", func() string { return checkConfig(cfgErr) }},
		{"Credentials", func() string { return checkCredentials(cfg) }},
		{"Providers", func() string { return checkProviders(ctx, cfg, checkKeys) }},
		{"Index", func() string { return checkIndex(ctx, cfg) }},
		{"Disk Space", func() string { return checkDiskSpace(dataDirOf(cfg)) }},
	}

	for _, c := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", c.name+":", c.fn()); err != nil {
			return err
		}
	}

	return nil
}

func dataDirOf(cfg *config.Config) string {
	if cfg != nil && cfg.Storage.DataDir != "" {
		return cfg.Storage.DataDir
	}
	return viper.GetString("storage.data_dir")
}

func checkBinary() string {
	return fmt.Sprintf("partscout %s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func checkPlatform() string {
	return fmt.Sprintf("%s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkServer(ctx context.Context, addr string) string {
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := newAPIClient(addr).getJSON(ctx, "/health", &body); err != nil {
		if pserr.HasCode(err, pserr.CodeCLIServerNotRunning) {
			return fmt.Sprintf("not running at %s (run 'partscout serve')", addr)
		}
		return fmt.Sprintf("error: %s", err)
	}
	if body.Version != "" {
		return fmt.Sprintf("%s at %s (version %s)", body.Status, addr, body.Version)
	}
	return fmt.Sprintf("%s at %s", body.Status, addr)
}

func checkConfig(loadErr error) string {
	if loadErr != nil {
		return fmt.Sprintf("invalid: %s", loadErr)
	}
	cfgFile := viper.ConfigFileUsed()
	if cfgFile == "" {
		return "using defaults (no config file found)"
	}
	if config.WarnInsecurePermissions(cfgFile) {
		return fmt.Sprintf("loaded from %s (readable by other users, chmod 600 recommended)", cfgFile)
	}
	return fmt.Sprintf("loaded from %s", cfgFile)
}

func checkCredentials(cfg *config.Config) string {
	if cfg == nil {
		return "skipped (config invalid)"
	}
	path := cfg.Credentials.Path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if cfg.Server.Auth.Required {
			return fmt.Sprintf("missing %s but auth is required (run 'partscout user add')", path)
		}
		return fmt.Sprintf("no credential file at %s, auth is optional", path)
	}

	users, err := credentials.NewStore(path).List()
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	status := fmt.Sprintf("%d user(s) in %s", len(users), path)
	if config.WarnInsecurePermissions(path) {
		status += " (readable by other users, chmod 600 recommended)"
	}
	return status
}

func checkProviders(ctx context.Context, cfg *config.Config, validate bool) string {
	if cfg == nil {
		return "skipped (config invalid)"
	}
	if len(cfg.Providers) == 0 {
		return "none configured"
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+providerStatus(ctx, name, cfg.Providers[name].APIKey, validate))
	}
	return strings.Join(parts, ", ")
}

func providerStatus(ctx context.Context, name, key string, validate bool) string {
	switch {
	case key == "":
		return "(no key)"
	case secrets.IsKeyringURI(key):
		return "(unresolved keyring reference)"
	case !validate:
		return "(key set)"
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := provider.ValidateKey(ctx, keyCheckClient, provider.ProviderName(name), key); err != nil {
		if pserr.HasCode(err, pserr.CodeProviderKeyInvalid) {
			return "(key rejected)"
		}
		return "(check failed)"
	}
	return "(key valid)"
}

func checkIndex(ctx context.Context, cfg *config.Config) string {
	if cfg == nil {
		return "skipped (config invalid)"
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	defer func() { _ = st.Close() }()

	n, err := st.Chunks().Count(ctx)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	if n == 0 {
		return "empty (run 'partscout index --file chunks.jsonl')"
	}
	return fmt.Sprintf("%d chunk(s)", n)
}

func checkDiskSpace(dataDir string) string {
	path := dataDir
	if _, err := os.Stat(path); path == "" || os.IsNotExist(err) {
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	return formatBytes(availBytes) + " available"
}

func formatBytes(b uint64) string {
	const (
		gb = 1024 * 1024 * 1024
		mb = 1024 * 1024
		kb = 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
