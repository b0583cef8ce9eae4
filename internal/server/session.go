// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package server

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"grpcsqlproxy/internal/logging"
	"grpcsqlproxy/internal/proxypb"
	"grpcsqlproxy/internal/record"
	"grpcsqlproxy/internal/sqlexec"
)

// State is the lifecycle state of a session.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateInTransaction
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateInTransaction:
		return "in_transaction"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	errNoConnString      = errors.New("no connection string provided")
	errConnStringDiffers = errors.New("ConnectionString differs from first one")
	errTxOpen            = errors.New("a transaction is already open")
	errNoTx              = errors.New("no transaction is open")
	errSessionClosed     = errors.New("session is closed")
)

const teardownTimeout = 5 * time.Second

// session is the database state of one Run stream. It is owned by a single
// worker goroutine, so none of its fields are guarded.
type session struct {
	id      string
	open    sqlexec.Opener
	cache   *record.Cache
	log     *zap.Logger
	metrics *Metrics

	connString string
	conn       sqlexec.Conn
	tx         sqlexec.Tx
	state      State
}

func newSession(open sqlexec.Opener, cache *record.Cache, log *zap.Logger, metrics *Metrics) *session {
	id := uuid.NewString()
	return &session{
		id:      id,
		open:    open,
		cache:   cache,
		log:     log.With(zap.String("session", id)),
		metrics: metrics,
	}
}

// handle runs one request and writes its packets. Failures are reported as
// an error packet for the request and never end the session.
func (s *session) handle(ctx context.Context, req *proxypb.Request, emit emitFunc) {
	kind := requestKind(req)
	s.metrics.request(kind)
	start := time.Now()

	st := &streamer{
		id:         req.ID,
		packetSize: s.packetSize(req),
		compress:   req.Compress,
		cache:      s.cache,
		emit:       emit,
	}
	err := s.dispatch(ctx, req, st)
	s.metrics.done(kind, start, err != nil)
	if err == nil {
		return
	}

	s.log.Debug("request failed",
		zap.String("id", req.ID),
		zap.String("kind", kind),
		zap.Int32("index", st.index),
		zap.Error(err))
	resp := &proxypb.Response{ID: req.ID, Error: err.Error(), Last: proxypb.Last, Index: st.index}
	if serr := emit(resp); serr != nil {
		s.log.Debug("sending error packet", zap.String("id", req.ID), zap.Error(serr))
	}
}

func (s *session) packetSize(req *proxypb.Request) int {
	if req.PacketSize > 0 {
		return int(req.PacketSize)
	}
	s.log.Debug("packet size coerced",
		zap.String("id", req.ID),
		zap.Int32("requested", req.PacketSize),
		zap.Int("used", record.DefaultPacketSize))
	return record.DefaultPacketSize
}

func (s *session) dispatch(ctx context.Context, req *proxypb.Request, st *streamer) error {
	if err := s.ensureConn(ctx, req.ConnString); err != nil {
		return err
	}

	switch parseKeyword(req.Query) {
	case kwBegin:
		if err := s.begin(ctx); err != nil {
			return err
		}
		return st.done()
	case kwCommit:
		if err := s.finish(ctx, sqlexec.Tx.Commit); err != nil {
			return err
		}
		return st.done()
	case kwRollback:
		if err := s.finish(ctx, sqlexec.Tx.Rollback); err != nil {
			return err
		}
		return st.done()
	case kwNoop, kwConnect:
		return st.done()
	}

	params, err := sqlexec.ParseParams(req.Params)
	if err != nil {
		return err
	}
	switch len(req.Schema) {
	case 0:
		return st.exec(ctx, s.querier(), req.Query, params)
	case 1:
		return st.query(ctx, s.querier(), req.Query, params, req.Schema[0])
	}
	return st.multi(ctx, s.querier(), req.Query, params, req.Schema)
}

// ensureConn opens the session connection on first use and pins the
// connection string. An empty connString reuses the pinned connection.
func (s *session) ensureConn(ctx context.Context, connString string) error {
	switch s.state {
	case StateClosed:
		return errSessionClosed
	case StateUninitialized:
		if connString == "" {
			return errNoConnString
		}
		conn, err := s.open(ctx, connString)
		if err != nil {
			return errors.Wrap(err, "opening connection")
		}
		s.conn = conn
		s.connString = connString
		s.state = StateActive
		s.log.Debug("connection opened", logging.ConnString(connString))
		return nil
	}
	if connString != "" && connString != s.connString {
		return errConnStringDiffers
	}
	return nil
}

// querier is the open transaction, or the connection when there is none.
func (s *session) querier() sqlexec.Querier {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *session) begin(ctx context.Context) error {
	if s.tx != nil {
		return errTxOpen
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	s.tx = tx
	s.state = StateInTransaction
	return nil
}

// finish commits or rolls back the open transaction. The transaction is
// dropped even if fn fails since drivers end it either way.
func (s *session) finish(ctx context.Context, fn func(sqlexec.Tx, context.Context) error) error {
	if s.tx == nil {
		return errNoTx
	}
	tx := s.tx
	s.tx = nil
	s.state = StateActive
	return fn(tx, ctx)
}

// close rolls back any open transaction and closes the connection. Failures
// are logged and otherwise ignored. Calling close again does nothing.
func (s *session) close() {
	if s.state == StateClosed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if s.tx != nil {
		if err := s.tx.Rollback(ctx); err != nil {
			s.log.Debug("rollback on close", zap.Error(err))
		}
		s.tx = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(ctx); err != nil {
			s.log.Debug("closing connection", zap.Error(err))
		}
		s.conn = nil
		s.log.Debug("connection closed")
	}
	s.state = StateClosed
}

func requestKind(req *proxypb.Request) string {
	switch parseKeyword(req.Query) {
	case kwBegin:
		return "begin"
	case kwCommit:
		return "commit"
	case kwRollback:
		return "rollback"
	case kwNoop:
		return "noop"
	case kwConnect:
		return "connect"
	}
	switch len(req.Schema) {
	case 0:
		return "exec"
	case 1:
		return "query"
	}
	return "multi"
}
