// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteConn pins one connection of a database/sql pool so that session
// state, transactions included, stays on it.
type sqliteConn struct {
	db   *sqlx.DB
	conn *sqlx.Conn
	sqlxQuerier
}

// OpenSQLite opens a go-sqlite3 database from a file: URI and pins a
// single connection.
func OpenSQLite(ctx context.Context, dataSourceName string) (Conn, error) {
	db, err := sqlx.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Connx(ctx)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "connecting to sqlite database")
	}
	return &sqliteConn{db: db, conn: conn, sqlxQuerier: sqlxQuerier{ext: conn}}, nil
}

func (c *sqliteConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlxTx{tx: tx, sqlxQuerier: sqlxQuerier{ext: tx}}, nil
}

func (c *sqliteConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqliteConn) Close(context.Context) error {
	err := c.conn.Close()
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	return err
}

type sqlxTx struct {
	tx *sqlx.Tx
	sqlxQuerier
}

func (t *sqlxTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *sqlxTx) Rollback(context.Context) error { return t.tx.Rollback() }

// sqlxExt is what a pinned *sqlx.Conn and a *sqlx.Tx have in common.
type sqlxExt interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// sqlxQuerier runs statements on a pinned connection or a transaction.
type sqlxQuerier struct {
	ext sqlxExt
}

// named binds params in order of first use in query. go-sqlite3 hands each
// statement of a script the next NumInput arguments, so a script only binds
// correctly when arguments follow the statements that use them.
func named(query string, params map[string]any) []any {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	pos := make(map[string]int, len(names))
	for _, k := range names {
		pos[k] = firstUse(query, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if pos[names[i]] != pos[names[j]] {
			return pos[names[i]] < pos[names[j]]
		}
		return names[i] < names[j]
	})
	args := make([]any, len(names))
	for i, k := range names {
		args[i] = sql.Named(k, params[k])
	}
	return args
}

// firstUse is the offset of the first @name placeholder in query, or
// len(query) when it is not used.
func firstUse(query, name string) int {
	needle := "@" + name
	for off := 0; ; {
		i := strings.Index(query[off:], needle)
		if i < 0 {
			return len(query)
		}
		end := off + i + len(needle)
		if end == len(query) || !isIdentByte(query[end]) {
			return off + i
		}
		off = end
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func (q sqlxQuerier) Query(ctx context.Context, query string, params map[string]any) (Rows, error) {
	rows, err := q.ext.QueryxContext(ctx, query, named(query, params)...)
	if err != nil {
		return nil, err
	}
	return &sqlxRows{rows: rows}, nil
}

func (q sqlxQuerier) Exec(ctx context.Context, query string, params map[string]any) error {
	_, err := q.ext.ExecContext(ctx, query, named(query, params)...)
	return err
}

// QueryMultiple walks database/sql result sets. Drivers that only return one
// set per query yield a single set.
func (q sqlxQuerier) QueryMultiple(ctx context.Context, query string, params map[string]any) (ResultSets, error) {
	rows, err := q.ext.QueryxContext(ctx, query, named(query, params)...)
	if err != nil {
		return nil, err
	}
	return &sqlxResultSets{sqlxRows: sqlxRows{rows: rows}}, nil
}

type sqlxRows struct {
	rows *sqlx.Rows
}

func (r *sqlxRows) Next() bool { return r.rows.Next() }

func (r *sqlxRows) Row() (map[string]any, error) {
	row := make(map[string]any)
	if err := r.rows.MapScan(row); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *sqlxRows) Err() error   { return r.rows.Err() }
func (r *sqlxRows) Close() error { return r.rows.Close() }

type sqlxResultSets struct {
	sqlxRows
	started bool
}

func (s *sqlxResultSets) NextResultSet() bool {
	if !s.started {
		s.started = true
		return true
	}
	return s.rows.NextResultSet()
}
