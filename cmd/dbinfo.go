// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"grpcsqlproxy/internal/dsn"
	"grpcsqlproxy/internal/keychain"
	"grpcsqlproxy/internal/logging"
)

// errNoConnection is returned when no connection string is configured anywhere.
var errNoConnection = errors.New("no database connection configured, run: sqlproxy connect")

// Sources of a connection string, as shown to the user.
const (
	sourceFlag     = "--dsn flag"
	sourceEnv      = "SQLPROXY_DSN environment variable"
	sourceDatabase = "DATABASE_URL environment variable"
	sourceKeychain = "OS keychain"
)

// resolveConnString picks the connection string from, in order, the flag
// value, SQLPROXY_DSN, DATABASE_URL and the keychain.
func resolveConnString(flag string) (string, string, error) {
	if v := strings.TrimSpace(flag); v != "" {
		return v, sourceFlag, nil
	}
	if v := strings.TrimSpace(cfg.DB.DSN); v != "" {
		return v, sourceEnv, nil
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		return v, sourceDatabase, nil
	}
	km, err := keychain.GetManager()
	if err != nil {
		return "", "", errors.WithSecondaryError(errNoConnection, err)
	}
	v, err := km.LoadDBDSN()
	if errors.Is(err, keychain.ErrNotStored) {
		return "", "", errNoConnection
	}
	if err != nil {
		return "", "", errors.WithSecondaryError(errNoConnection, err)
	}
	return v, sourceKeychain, nil
}

// dbinfoCmd shows the configured connection with its credentials masked.
var dbinfoCmd = &cobra.Command{
	Use:   "dbinfo",
	Short: "Show the current database connection",
	Long: `The dbinfo command displays the configured database connection string with
credentials masked, where it was found and the details parsed from it.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		conn, source, err := resolveConnString("")
		if err != nil {
			pterm.Println("⚠️  No database connection configured")
			pterm.Println("   Please run: sqlproxy connect")
			return nil
		}
		pterm.Println("Using DSN from " + source)
		pterm.Println()

		pterm.DefaultBox.
			WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint("Database Connection")).
			WithPadding(1).
			Println(logging.Mask(conn))

		if info, err := dsn.ParseInfo(conn); err == nil {
			_ = pterm.DefaultTable.WithData(infoTable(info)).Render()
		}
		pterm.Println()
		pterm.Println("To update this connection, run: sqlproxy connect")
		return nil
	},
}

func infoTable(info *dsn.DSNInfo) pterm.TableData {
	data := pterm.TableData{{"Type", string(info.Type)}, {"Target", info.Target()}}
	add := func(k, v string) {
		if v != "" {
			data = append(data, []string{k, v})
		}
	}
	add("Host", info.Host)
	add("Port", info.Port)
	add("Database", info.Database)
	add("User", info.User)
	add("Path", info.Path)
	return data
}

func init() {
	rootCmd.AddCommand(dbinfoCmd)
}
