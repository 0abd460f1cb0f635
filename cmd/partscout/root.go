// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package main

import (
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/secrets"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// secretStoreFactory creates the secrets.Store used by every command. Tests
// replace it with an in-memory store.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyringStore()
}

// NewRootCmd creates the root partscout command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "partscout",
		Short:         "Partscout: product datasheet assistant",
		Long:          "Partscout answers questions about product datasheets and finds substitute parts with an LLM agent.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newUserCmd(),
		newIndexCmd(),
		newSecretCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up the global Viper with defaults, env bindings, flag
// bindings, and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly. keyring:// values are
// resolved last.
func initViper(cmd *cobra.Command) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(cmd.ErrOrStderr(), verbose)

	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	v := viper.GetViper()
	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return pserr.Wrapf(err, pserr.CodeConfigLoadReadFailure, "reading config file %s", cfgFile)
		}
	} else {
		// SetConfigType is omitted so Viper does not pick up the bare
		// ./partscout binary as a config file.
		v.SetConfigName("partscout")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/partscout")
		v.AddConfigPath("/etc/partscout")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return pserr.Wrap(err, pserr.CodeConfigLoadReadFailure, "reading config")
			}
			if path := config.BootstrapConfig(); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return pserr.Wrap(err, pserr.CodeConfigLoadReadFailure, "reading bootstrapped config")
				}
			}
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		config.WarnInsecurePermissions(used)
	}

	if f := cmd.Root().PersistentFlags().Lookup("data-dir"); f != nil && f.Changed {
		if err := v.BindPFlag("storage.data_dir", f); err != nil {
			return pserr.Wrap(err, pserr.CodeCLISetupFailure, "binding data-dir flag")
		}
	}

	if err := secrets.ResolveViperSecrets(v, secretStoreFactory()); err != nil {
		slog.Warn("some keyring secrets could not be resolved; run 'partscout doctor'", "error", err)
	}
	return nil
}

func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// loadConfig decodes and validates the configuration resolved by initViper.
func loadConfig() (*config.Config, error) {
	return config.FromViper(viper.GetViper())
}
