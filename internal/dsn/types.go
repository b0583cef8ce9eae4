// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"fmt"
	"net"
)

// DBType is the backend a connection string selects.
type DBType string

const (
	DBTypePostgreSQL DBType = "postgresql"
	DBTypeSQLite     DBType = "sqlite"
	DBTypeUnknown    DBType = "unknown"
)

// DSNInfo is a parsed connection string. Network backends fill Host, Port,
// User, Password and Database; SQLite fills Path and Database.
type DSNInfo struct {
	Type     DBType
	Host     string
	Path     string
	Port     string
	User     string
	Password string
	Database string
	// Params holds the first value of each query parameter.
	Params map[string]string
	// Original is the string as the client sent it.
	Original string
}

// Target names what a session connects to without credentials: host:port/db
// for PostgreSQL and the file path for SQLite.
func (d *DSNInfo) Target() string {
	if d.Type == DBTypeSQLite {
		return d.Path
	}
	return net.JoinHostPort(d.Host, d.Port) + "/" + d.Database
}

// Resolver parses, normalizes and validates the connection strings of one
// backend.
type Resolver interface {
	Parse(dsn string) (*DSNInfo, error)
	// Normalize renders info in the form the backend driver is opened with.
	Normalize(info *DSNInfo) (string, error)
	Validate(dsn string) error
}

// ParseError is a malformed connection string. Reason and Hint never contain
// the string itself, so the error text is safe to send back to a client.
type ParseError struct {
	DSN    string
	Reason string
	Hint   string
}

func (e *ParseError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("invalid DSN format: %s\nHint: %s", e.Reason, e.Hint)
	}
	return fmt.Sprintf("invalid DSN format: %s", e.Reason)
}

// NewParseError creates a new ParseError
func NewParseError(dsn, reason, hint string) *ParseError {
	return &ParseError{
		DSN:    dsn,
		Reason: reason,
		Hint:   hint,
	}
}
