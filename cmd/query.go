// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"grpcsqlproxy/client"
	"grpcsqlproxy/internal/logging"
	"grpcsqlproxy/internal/record"
)

// clientFlags are the flags shared by the commands talking to a proxy.
type clientFlags struct {
	url        string
	dsn        string
	params     string
	compress   bool
	packetSize int32
}

func (f *clientFlags) bind(c *cobra.Command) {
	c.Flags().StringVar(&f.url, "url", "", "Proxy address (default from config, localhost:3000)")
	c.Flags().StringVar(&f.dsn, "dsn", "", "Database connection string (default SQLPROXY_DSN, DATABASE_URL or keychain)")
	c.Flags().StringVar(&f.params, "params", "", `Named parameters as a JSON object, e.g. '{"id": 1}'`)
	c.Flags().BoolVar(&f.compress, "compress", false, "Ask the proxy to gzip result chunks")
	c.Flags().Int32Var(&f.packetSize, "packet-size", 0, "Rows per result chunk (default from config)")
}

func (f *clientFlags) clientOptions(cmd *cobra.Command) (client.Options, error) {
	conn, source, err := resolveConnString(f.dsn)
	if err != nil {
		return client.Options{}, err
	}
	logger.Debug("using connection string", logging.ConnString(conn), zap.String("source", source))

	opts := client.Options{
		URL:              cfg.Client.URL,
		ConnectionString: conn,
		Compress:         cfg.Client.Compress,
		PacketSize:       int32(cfg.Client.PacketSize),
		Logger:           logger,
		OnError: func(err error) {
			logger.Debug("channel failed", zap.Error(err))
		},
	}
	if f.url != "" {
		opts.URL = f.url
	}
	if cmd.Flags().Changed("compress") {
		opts.Compress = f.compress
	}
	if cmd.Flags().Changed("packet-size") {
		opts.PacketSize = f.packetSize
	}
	return opts, nil
}

func (f *clientFlags) queryOptions() ([]client.QueryOption, error) {
	if f.params == "" {
		return nil, nil
	}
	if !json.Valid([]byte(f.params)) {
		return nil, errors.New("--params must be a JSON object")
	}
	return []client.QueryOption{client.WithParams(json.RawMessage(f.params))}, nil
}

// withTunnel opens a client and one channel, runs fn and closes both.
func (f *clientFlags) withTunnel(cmd *cobra.Command, fn func(ctx context.Context, tun *client.Tunnel) error) error {
	opts, err := f.clientOptions(cmd)
	if err != nil {
		return err
	}
	c, err := client.New(opts)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx := cmd.Context()
	tun, err := c.CreateChannel(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tun.Close(cctx)
	}()
	return presentClientError(fn(ctx, tun))
}

// presentClientError shows transport failures the way stream errors are
// shown everywhere else. Errors reported by the proxy are returned as is.
func presentClientError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, client.ErrClosed) {
		logging.PresentStreamError(err)
	}
	return err
}

var (
	queryFlags  clientFlags
	querySchema string
)

var queryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run a query through the proxy and print its rows",
	Long: `The query command sends one SQL statement through a running proxy and prints
the rows as a table. --schema is the Avro record schema the rows are encoded
with; its fields are the columns of the table:

  sqlproxy query "SELECT id, name FROM users WHERE id > @min" \
    --params '{"min": 10}' \
    --schema '{"type":"record","name":"User","fields":[{"name":"id","type":"long"},{"name":"name","type":["null","string"]}]}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if querySchema == "" {
			return errors.New("--schema is required")
		}
		schema, err := record.Parse(querySchema)
		if err != nil {
			return err
		}
		qopts, err := queryFlags.queryOptions()
		if err != nil {
			return err
		}

		var rows []map[string]any
		err = queryFlags.withTunnel(cmd, func(ctx context.Context, tun *client.Tunnel) error {
			stop := startSpinner("running query")
			defer stop()
			for row, err := range tun.QueryRaw(ctx, args[0], querySchema, qopts...) {
				if err != nil {
					return err
				}
				rows = append(rows, row)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if len(rows) > 0 {
			if err := pterm.DefaultTable.WithHasHeader().WithData(tableData(schema.FieldNames(), rows)).Render(); err != nil {
				return err
			}
		}
		pterm.Printf("(%d rows)\n", len(rows))
		return nil
	},
}

// tableData lays rows out under a header of fields, in field order.
func tableData(fields []string, rows []map[string]any) pterm.TableData {
	data := make(pterm.TableData, 0, len(rows)+1)
	data = append(data, fields)
	for _, row := range rows {
		line := make([]string, len(fields))
		for i, f := range fields {
			line[i] = cell(row[f])
		}
		data = append(data, line)
	}
	return data
}

func cell(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("\\x%x", v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

var execFlags clientFlags

var execCmd = &cobra.Command{
	Use:   "exec <sql>",
	Short: "Run statements through the proxy without reading results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		qopts, err := execFlags.queryOptions()
		if err != nil {
			return err
		}
		err = execFlags.withTunnel(cmd, func(ctx context.Context, tun *client.Tunnel) error {
			stop := startSpinner("executing")
			defer stop()
			return tun.Execute(ctx, args[0], qopts...)
		})
		if err != nil {
			return err
		}
		fmt.Println("✅ Done")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queryCmd, execCmd)
	queryFlags.bind(queryCmd)
	queryCmd.Flags().StringVar(&querySchema, "schema", "", "Avro record schema of the rows (JSON)")
	execFlags.bind(execCmd)
}
