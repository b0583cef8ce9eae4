// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package sqlexectest provides a scripted in-memory sqlexec backend. It
// answers statements from a table of canned results and records every call.
package sqlexectest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"grpcsqlproxy/internal/sqlexec"
)

// Script is the canned answer for one statement.
type Script struct {
	// Rows answers Query.
	Rows []map[string]any
	// Sets answers QueryMultiple.
	Sets [][]map[string]any
	// Err fails the call itself.
	Err error
	// RowErr is reported after the rows of the last set are read.
	RowErr error
	// Block, when set, is received from before answering.
	Block <-chan struct{}
}

// DB is a scripted database shared by every Conn it opens.
type DB struct {
	mu      sync.Mutex
	scripts map[string]Script
	events  []string
	conns   int

	// OpenErr fails every Open.
	OpenErr error
}

// New creates an empty scripted database.
func New() *DB {
	return &DB{scripts: make(map[string]Script)}
}

// On registers the answer for sql.
func (db *DB) On(sql string, s Script) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.scripts[sql] = s
}

// Events returns the recorded calls in order, e.g. "open postgres://x",
// "exec DELETE ...", "begin", "commit".
func (db *DB) Events() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.events...)
}

// OpenConns is the number of connections opened and not yet closed.
func (db *DB) OpenConns() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conns
}

func (db *DB) record(format string, args ...any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.events = append(db.events, fmt.Sprintf(format, args...))
}

func (db *DB) script(sql string) Script {
	db.mu.Lock()
	s := db.scripts[sql]
	db.mu.Unlock()
	if s.Block != nil {
		<-s.Block
	}
	return s
}

// Opener returns an sqlexec.Opener backed by db.
func (db *DB) Opener() sqlexec.Opener {
	return func(_ context.Context, connString string) (sqlexec.Conn, error) {
		db.record("open %s", connString)
		if db.OpenErr != nil {
			return nil, db.OpenErr
		}
		db.mu.Lock()
		db.conns++
		db.mu.Unlock()
		return &conn{querier: querier{db: db}}, nil
	}
}

type querier struct {
	db     *DB
	prefix string
}

func (q querier) Query(_ context.Context, sql string, params map[string]any) (sqlexec.Rows, error) {
	q.db.record("%squery %s%s", q.prefix, sql, formatParams(params))
	s := q.db.script(sql)
	if s.Err != nil {
		return nil, s.Err
	}
	return &rows{sets: [][]map[string]any{s.Rows}, set: 0, rowErr: s.RowErr}, nil
}

func (q querier) Exec(_ context.Context, sql string, params map[string]any) error {
	q.db.record("%sexec %s%s", q.prefix, sql, formatParams(params))
	return q.db.script(sql).Err
}

func (q querier) QueryMultiple(_ context.Context, sql string, params map[string]any) (sqlexec.ResultSets, error) {
	q.db.record("%smulti %s%s", q.prefix, sql, formatParams(params))
	s := q.db.script(sql)
	if s.Err != nil {
		return nil, s.Err
	}
	return &rows{sets: s.Sets, set: -1, rowErr: s.RowErr}, nil
}

func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	return fmt.Sprintf(" %v", params)
}

type conn struct {
	querier
	tx *tx
}

func (c *conn) Begin(context.Context) (sqlexec.Tx, error) {
	if c.tx != nil {
		return nil, errors.New("transaction already open")
	}
	c.db.record("begin")
	c.tx = &tx{conn: c, querier: querier{db: c.db, prefix: "tx "}}
	return c.tx, nil
}

func (c *conn) Ping(context.Context) error {
	c.db.record("ping")
	return nil
}

func (c *conn) Close(context.Context) error {
	c.db.record("close")
	c.db.mu.Lock()
	c.db.conns--
	c.db.mu.Unlock()
	return nil
}

type tx struct {
	querier
	conn *conn
	done bool
}

func (t *tx) finish(event string) error {
	if t.done {
		return errors.New("transaction already closed")
	}
	t.done = true
	t.conn.tx = nil
	t.db.record("%s", event)
	return nil
}

func (t *tx) Commit(context.Context) error   { return t.finish("commit") }
func (t *tx) Rollback(context.Context) error { return t.finish("rollback") }

// rows serves scripted sets. set starts at -1 for QueryMultiple so that
// NextResultSet moves onto the first one.
type rows struct {
	sets   [][]map[string]any
	set    int
	pos    int
	cur    map[string]any
	rowErr error
	err    error
}

func (r *rows) NextResultSet() bool {
	if r.set+1 >= len(r.sets) {
		return false
	}
	r.set++
	r.pos = 0
	return true
}

func (r *rows) Next() bool {
	if r.set < 0 || r.set >= len(r.sets) {
		return false
	}
	if r.pos < len(r.sets[r.set]) {
		r.cur = r.sets[r.set][r.pos]
		r.pos++
		return true
	}
	if r.set == len(r.sets)-1 && r.rowErr != nil {
		r.err = r.rowErr
	}
	return false
}

func (r *rows) Row() (map[string]any, error) {
	out := make(map[string]any, len(r.cur))
	for k, v := range r.cur {
		out[k] = v
	}
	return out, nil
}

func (r *rows) Err() error   { return r.err }
func (r *rows) Close() error { return nil }
