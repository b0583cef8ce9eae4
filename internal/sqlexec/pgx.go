// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgxConn is a Conn over a single pgx connection. Transactions run on the
// same connection so both share one pgxQuerier.
type pgxConn struct {
	pgxQuerier
}

// OpenPostgres connects to PostgreSQL. The connection is not pooled.
func OpenPostgres(ctx context.Context, connString string) (Conn, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to postgres")
	}
	return &pgxConn{pgxQuerier{conn: conn}}, nil
}

func (c *pgxConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTx{pgxQuerier: c.pgxQuerier, tx: tx}, nil
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

type pgxTx struct {
	pgxQuerier
	tx pgx.Tx
}

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

type pgxQuerier struct {
	conn *pgx.Conn
}

func namedArgs(params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}
	return []any{pgx.NamedArgs(params)}
}

// Query returns the first row producing result of sql, which may be a
// script. It runs through the simple protocol like QueryMultiple; results
// after the first one are read and checked on Close.
func (q pgxQuerier) Query(ctx context.Context, sql string, params map[string]any) (Rows, error) {
	sets, err := q.QueryMultiple(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	sets.NextResultSet()
	return sets, nil
}

// Exec uses the simple protocol so scripts holding several statements are
// accepted. pgx interpolates the arguments client side in that mode.
func (q pgxQuerier) Exec(ctx context.Context, sql string, params map[string]any) error {
	args := append([]any{pgx.QueryExecModeSimpleProtocol}, namedArgs(params)...)
	_, err := q.conn.Exec(ctx, sql, args...)
	return err
}

// QueryMultiple sends the script as one simple query and reads every result
// through the pgconn multi result reader. Parameters are inlined as literals
// since the simple query message carries none.
func (q pgxQuerier) QueryMultiple(ctx context.Context, sql string, params map[string]any) (ResultSets, error) {
	if len(params) > 0 {
		var err error
		sql, err = inlineNamedArgs(ctx, q.conn, sql, params)
		if err != nil {
			return nil, err
		}
	}
	return &pgxResultSets{conn: q.conn, mrr: q.conn.PgConn().Exec(ctx, sql)}, nil
}

// pgxResultSets walks the results of a simple query, skipping the command
// results that carry no row description.
type pgxResultSets struct {
	conn *pgx.Conn
	mrr  *pgconn.MultiResultReader
	rr   *pgconn.ResultReader
	err  error
}

func (s *pgxResultSets) NextResultSet() bool {
	if s.err != nil {
		return false
	}
	if s.rr != nil {
		if _, err := s.rr.Close(); err != nil {
			s.err = err
			return false
		}
		s.rr = nil
	}
	for s.mrr.NextResult() {
		rr := s.mrr.ResultReader()
		if len(rr.FieldDescriptions()) > 0 {
			s.rr = rr
			return true
		}
		if _, err := rr.Close(); err != nil {
			s.err = err
			return false
		}
	}
	return false
}

// Next closes the result reader once its rows are exhausted so a statement
// error is visible through Err before the next set is requested.
func (s *pgxResultSets) Next() bool {
	if s.rr == nil || s.err != nil {
		return false
	}
	if s.rr.NextRow() {
		return true
	}
	if _, err := s.rr.Close(); err != nil {
		s.err = err
	}
	s.rr = nil
	return false
}

func (s *pgxResultSets) Row() (map[string]any, error) {
	m := s.conn.TypeMap()
	fds := s.rr.FieldDescriptions()
	raw := s.rr.Values()
	row := make(map[string]any, len(fds))
	for i, fd := range fds {
		if raw[i] == nil {
			row[fd.Name] = nil
			continue
		}
		typ, ok := m.TypeForOID(fd.DataTypeOID)
		if !ok {
			row[fd.Name] = string(raw[i])
			continue
		}
		v, err := typ.Codec.DecodeValue(m, fd.DataTypeOID, fd.Format, raw[i])
		if err != nil {
			return nil, errors.Wrapf(err, "decoding column %q", fd.Name)
		}
		row[fd.Name] = v
	}
	return row, nil
}

func (s *pgxResultSets) Err() error { return s.err }

func (s *pgxResultSets) Close() error {
	if s.rr != nil {
		_, _ = s.rr.Close()
		s.rr = nil
	}
	err := s.mrr.Close()
	if s.err != nil {
		return s.err
	}
	return err
}
