// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package sqlexec is the database capability used by proxy sessions. A Conn
// is one dedicated database connection. Statements run either directly on it
// or inside the single Tx it may have open.
//
// Rows are produced as column name to driver value mappings. Two backends are
// available and picked from the connection string:
//   - postgres:// and postgresql:// use pgx
//   - sqlite://, sqlite3:// and file: use database/sql through sqlx and go-sqlite3
package sqlexec

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"grpcsqlproxy/internal/dsn"
)

// Rows iterates one result set.
type Rows interface {
	Next() bool
	// Row returns the current row keyed by column name.
	Row() (map[string]any, error)
	Err() error
	Close() error
}

// ResultSets iterates the row producing result sets of a multi statement
// query. NextResultSet must be called before reading the first set.
type ResultSets interface {
	Rows
	NextResultSet() bool
}

// Querier runs statements. Params are bound by name, written @name in SQL.
type Querier interface {
	Query(ctx context.Context, sql string, params map[string]any) (Rows, error)
	Exec(ctx context.Context, sql string, params map[string]any) error
	QueryMultiple(ctx context.Context, sql string, params map[string]any) (ResultSets, error)
}

// Conn is a dedicated database connection.
type Conn interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Tx is an open transaction on a Conn.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Opener opens a Conn for a connection string.
type Opener func(ctx context.Context, connString string) (Conn, error)

// Open opens a Conn with the backend matching the connection string scheme.
// The string is normalized by package dsn first; a malformed one fails with a
// *dsn.ParseError before any network or file access.
func Open(ctx context.Context, connString string) (Conn, error) {
	normalized, err := dsn.Parse(connString)
	if err != nil {
		return nil, err
	}
	switch dsn.DetectDBType(normalized) {
	case dsn.DBTypePostgreSQL:
		return OpenPostgres(ctx, normalized)
	case dsn.DBTypeSQLite:
		return OpenSQLite(ctx, normalized)
	}
	return nil, errors.Newf("unsupported connection string")
}

// ParseParams decodes the JSON parameter object of a request. Numbers become
// int64 when integral and float64 otherwise. Empty input and "null" yield nil.
func ParseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, errors.Wrap(err, "invalid params json")
	}
	for k, v := range params {
		params[k] = plainNumber(v)
	}
	return params, nil
}

func plainNumber(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i := range x {
			x[i] = plainNumber(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = plainNumber(x[k])
		}
	}
	return v
}
