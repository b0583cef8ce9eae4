// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package server implements the SqlProxy Run stream. Each stream gets a
// session holding at most one database connection and one transaction.
//
// A read loop per stream receives requests. NOOP probes are answered by the
// read loop itself; every other request is queued to the session worker,
// the only goroutine touching the connection, which runs them in arrival
// order. Packets from both goroutines go through one locked sender.
package server

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"grpcsqlproxy/internal/proxypb"
	"grpcsqlproxy/internal/record"
	"grpcsqlproxy/internal/sqlexec"
)

// DefaultQueueSize is the number of requests a session buffers ahead of its
// worker before the read loop waits.
const DefaultQueueSize = 128

// Service serves the SqlProxy Run method.
type Service struct {
	log       *zap.Logger
	open      sqlexec.Opener
	cache     *record.Cache
	metrics   *Metrics
	onError   func(error)
	queueSize int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithOpener sets how sessions open database connections. The default is
// sqlexec.Open.
func WithOpener(open sqlexec.Opener) Option {
	return func(s *Service) { s.open = open }
}

// WithSchemaCache sets the cache of parsed result schemas.
func WithSchemaCache(c *record.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithMetrics enables the prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithErrorHandler registers fn, called once per stream that ends with a
// transport error. Clean closes and cancellations do not call it.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Service) { s.onError = fn }
}

// WithQueueSize sets how many requests a session buffers.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// New creates a Service.
func New(opts ...Option) *Service {
	s := &Service{
		log:       zap.NewNop(),
		open:      sqlexec.Open,
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = record.NewCache()
	}
	return s
}

// Register adds the service to g. g must be built with proxypb.ServerOption.
func (s *Service) Register(g grpc.ServiceRegistrar) {
	proxypb.RegisterSqlProxyServer(g, s)
}

// sender serializes writes on a server stream.
type sender struct {
	mu      sync.Mutex
	stream  proxypb.RunServer
	metrics *Metrics
}

func (w *sender) send(resp *proxypb.Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.stream.Send(resp); err != nil {
		return err
	}
	w.metrics.packet(len(resp.Result))
	return nil
}

// Run serves one stream until the client closes its side or the stream
// breaks. Requests already queued when the client closes are still answered.
func (s *Service) Run(stream proxypb.RunServer) error {
	ctx := stream.Context()
	sess := newSession(s.open, s.cache, s.log, s.metrics)
	out := &sender{stream: stream, metrics: s.metrics}

	s.metrics.sessionOpened()
	defer s.metrics.sessionClosed()
	sess.log.Debug("session started")

	queue := make(chan *proxypb.Request, s.queueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sess.close()
		for req := range queue {
			if ctx.Err() != nil {
				continue
			}
			sess.handle(ctx, req, out.send)
		}
	}()

	err := s.readLoop(ctx, stream, queue, out)
	close(queue)
	<-done
	sess.log.Debug("session ended", zap.Error(err))

	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	if isCancellation(err) {
		return err
	}
	s.log.Warn("stream failed", zap.String("session", sess.id), zap.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
	return err
}

func (s *Service) readLoop(ctx context.Context, stream proxypb.RunServer, queue chan<- *proxypb.Request, out *sender) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		if parseKeyword(req.Query) == kwNoop && len(req.Schema) <= 1 {
			s.metrics.request("noop")
			if err := out.send(&proxypb.Response{ID: req.ID, Last: proxypb.Last}); err != nil {
				return err
			}
			continue
		}
		select {
		case queue <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}
