// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/partscout/partscout/internal/provider"
	"github.com/partscout/partscout/internal/secrets"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// keyCheckClient is used to validate provider keys. Tests replace it.
var keyCheckClient = &http.Client{Timeout: 10 * time.Second}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long: "Store, list and delete secrets kept under the partscout service in the " +
			"operating system keyring. Config values of the form keyring://partscout/<name> " +
			"are replaced by these secrets at startup.",
	}

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretListCmd(),
		newSecretDeleteCmd(),
	)

	return cmd
}

func newSecretSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; a provider name stores its API key",
		Long: `Store a secret. When name is a provider (anthropic, openai, google) the
value is stored as <provider>-api-key, the name the default config refers to.
Without a value argument the secret is read from the first line of stdin.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runSecretSet,
	}
	cmd.Flags().Bool("validate", false, "check a provider API key against the provider before storing it")
	return cmd
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored secret names",
		RunE:  runSecretList,
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret by name",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
}

// secretKeyName maps a provider name to its API key entry.
func secretKeyName(name string) (key string, prov provider.ProviderName, isProvider bool) {
	prov = provider.ProviderName(strings.ToLower(name))
	if slices.Contains(provider.KeyProviders(), prov) {
		return secrets.ProviderKeyName(string(prov)), prov, true
	}
	return name, "", false
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	key, prov, isProvider := secretKeyName(args[0])

	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return pserr.New(pserr.CodeCLIInputInvalid, "no secret value given on the command line or stdin")
		}
		value = line
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return pserr.New(pserr.CodeCLIInputInvalid, "secret value must not be empty")
	}

	if validate, _ := cmd.Flags().GetBool("validate"); validate {
		if !isProvider {
			return pserr.Errorf(pserr.CodeCLIInputInvalid, "--validate needs a provider name, got %q", args[0])
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := provider.ValidateKey(ctx, keyCheckClient, prov, value); err != nil {
			return err
		}
	}

	if err := secretStoreFactory().Store(secrets.ServiceName, key, value); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Stored secret %s (reference it as %s)\n", key, secrets.URI(key))
	return err
}

func runSecretList(cmd *cobra.Command, _ []string) error {
	keys, err := secretStoreFactory().List(secrets.ServiceName)
	if err != nil {
		return pserr.Wrap(err, pserr.CodeSecretListFailure, "listing secrets")
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(out, "No secrets stored.")
		return nil
	}

	slices.Sort(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintln(out, k)
	}
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	key, _, _ := secretKeyName(args[0])

	if err := secretStoreFactory().Delete(secrets.ServiceName, key); err != nil {
		if pserr.IsNotFound(err) {
			return pserr.Errorf(pserr.CodeSecretNotFound, "secret %q not found", key)
		}
		return pserr.Wrapf(err, pserr.CodeSecretDeleteFailure, "deleting secret %q", key)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret: %s\n", key)
	return nil
}
