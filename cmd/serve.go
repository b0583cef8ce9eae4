// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"grpcsqlproxy/internal/proxypb"
	"grpcsqlproxy/internal/server"
)

const shutdownTimeout = 10 * time.Second

var (
	serveListen        string
	serveMetricsListen string
	serveQueueSize     int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SQL proxy server",
	Long: `The serve command listens for SqlProxy Run streams. Every stream is a
session with its own database connection, opened from the connection string
sent by the client. Prometheus metrics are served on --metrics-listen unless
it is empty.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen := serveListen
		if listen == "" {
			listen = cfg.Server.Listen
		}
		metricsListen := cfg.Server.MetricsListen
		if cmd.Flags().Changed("metrics-listen") {
			metricsListen = serveMetricsListen
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, listen, metricsListen)
	},
}

func runServer(ctx context.Context, listen, metricsListen string) error {
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", listen)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc := server.New(
		server.WithLogger(logger),
		server.WithMetrics(server.NewMetrics(reg)),
		server.WithQueueSize(serveQueueSize),
		server.WithErrorHandler(func(err error) {
			logger.Warn("session stream failed", zap.Error(err))
		}),
	)
	g := grpc.NewServer(proxypb.ServerOption())
	svc.Register(g)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("proxy listening", zap.String("addr", lis.Addr().String()))
		return g.Serve(lis)
	})

	var metricsSrv *http.Server
	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: metricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", metricsListen))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "serving metrics")
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		stopped := make(chan struct{})
		go func() {
			g.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			logger.Warn("open sessions did not finish, closing them")
			g.Stop()
		}
		if metricsSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(sctx)
		}
		return nil
	})
	return eg.Wait()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address of the gRPC listener (default from config, :3000)")
	serveCmd.Flags().StringVar(&serveMetricsListen, "metrics-listen", "", "Address of the metrics listener, empty to disable (default from config, :9090)")
	serveCmd.Flags().IntVar(&serveQueueSize, "queue-size", server.DefaultQueueSize, "Requests buffered per session ahead of its worker")
}
