// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package cmd provides the command-line interface of the gRPC SQL proxy. It
// runs the proxy server and offers client commands that send queries through
// a running proxy, built on the Cobra CLI framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"grpcsqlproxy/internal/config"
	"grpcsqlproxy/internal/logging"
)

var (
	logLevel string

	// cfg and logger are loaded before every command runs.
	cfg    = config.Defaults()
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "sqlproxy",
	Short: "gRPC SQL proxy server and client",
	Long: `sqlproxy multiplexes SQL sessions over gRPC streams. Run the proxy with
'sqlproxy serve' and send queries through it with 'sqlproxy query' and
'sqlproxy exec'. Results travel as compact binary record chunks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "loading configuration")
		}
		if logLevel != "" {
			c.LogLevel = logLevel
		}
		l, err := logging.New(c.LogLevel)
		if err != nil {
			return err
		}
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the CLI application.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, logging.PresentError("sqlproxy", err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}
