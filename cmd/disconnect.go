// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"grpcsqlproxy/internal/config"
	"grpcsqlproxy/internal/keychain"
)

// disconnectCmd removes the connection string saved by connect.
var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Remove the saved database connection",
	Long: `The disconnect command deletes the connection string stored in the OS
keychain by 'sqlproxy connect'. Connection strings given with --dsn or the
SQLPROXY_DSN environment variable are not affected.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		km, err := keychain.GetManager()
		if err != nil {
			fmt.Println("❌ Secure storage is not available on this system.")
			return err
		}
		if err := km.ClearDB(); err != nil {
			return err
		}
		cfg.DB.Provided = false
		if err := config.Save(cfg); err != nil {
			logger.Warn("saving configuration", zap.Error(err))
		}
		fmt.Println("✅ Saved database connection removed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(disconnectCmd)
}
