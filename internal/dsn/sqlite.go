// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"net/url"
	"sort"
	"strings"
)

// SQLiteResolver handles sqlite://, sqlite3:// and file: DSNs. The normalized
// form is the file: URI understood by the go-sqlite3 driver.
type SQLiteResolver struct{}

// NewSQLiteResolver creates a new SQLite resolver
func NewSQLiteResolver() *SQLiteResolver {
	return &SQLiteResolver{}
}

// Parse splits a SQLite DSN into its path and query parameters.
func (r *SQLiteResolver) Parse(dsn string) (*DSNInfo, error) {
	lower := strings.ToLower(dsn)
	var rest string
	switch {
	case strings.HasPrefix(lower, "sqlite3://"):
		rest = dsn[len("sqlite3://"):]
	case strings.HasPrefix(lower, "sqlite://"):
		rest = dsn[len("sqlite://"):]
	case strings.HasPrefix(lower, "file:"):
		rest = dsn[len("file:"):]
	default:
		return nil, NewParseError(dsn, "missing or invalid scheme", "use sqlite://path/to/db or file:path/to/db")
	}

	info := &DSNInfo{
		Type:     DBTypeSQLite,
		Params:   make(map[string]string),
		Original: dsn,
	}

	path, query, _ := strings.Cut(rest, "?")
	if strings.TrimSpace(path) == "" {
		return nil, NewParseError(dsn, "missing database path", "use sqlite://path/to/db or sqlite://:memory:")
	}
	info.Path = path
	info.Database = path

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, NewParseError(dsn, "invalid query parameters", "use key=value pairs separated by &")
		}
		for key, v := range values {
			if len(v) > 0 {
				info.Params[key] = v[0]
			}
		}
	}
	return info, nil
}

// Normalize renders info as a go-sqlite3 file: URI. Parameters are sorted so
// equal DSNs normalize to equal strings.
func (r *SQLiteResolver) Normalize(info *DSNInfo) (string, error) {
	if info == nil {
		return "", NewParseError("", "nil DSN info", "")
	}
	var builder strings.Builder
	builder.WriteString("file:")
	builder.WriteString(info.Path)

	if len(info.Params) > 0 {
		keys := make([]string, 0, len(info.Params))
		for key := range info.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for i, key := range keys {
			if i == 0 {
				builder.WriteString("?")
			} else {
				builder.WriteString("&")
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteString("=")
			builder.WriteString(url.QueryEscape(info.Params[key]))
		}
	}
	return builder.String(), nil
}

// Validate checks if the DSN is a usable SQLite DSN
func (r *SQLiteResolver) Validate(dsn string) error {
	_, err := r.Parse(dsn)
	return err
}
