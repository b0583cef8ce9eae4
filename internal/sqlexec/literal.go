// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// literalEscaper is the part of pgconn.PgConn used for string literals.
type literalEscaper interface {
	EscapeString(s string) (string, error)
}

// inlineNamedArgs rewrites @name placeholders into positional ones with pgx
// and then replaces each $n with an SQL literal.
func inlineNamedArgs(ctx context.Context, conn *pgx.Conn, sql string, params map[string]any) (string, error) {
	rewritten, args, err := pgx.NamedArgs(params).RewriteQuery(ctx, conn, sql, nil)
	if err != nil {
		return "", errors.Wrap(err, "rewriting named arguments")
	}
	literals := make([]string, len(args))
	for i, arg := range args {
		literals[i], err = pgLiteral(conn.PgConn(), conn.TypeMap(), arg)
		if err != nil {
			return "", errors.Wrapf(err, "argument $%d", i+1)
		}
	}
	return replacePlaceholders(rewritten, literals)
}

// pgLiteral renders v as a PostgreSQL literal. Values without a native
// literal form go through the type map text encoding and are quoted.
func pgLiteral(esc literalEscaper, m *pgtype.Map, v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case string:
		return quote(esc, x)
	case time.Time:
		return quote(esc, x.Format(time.RFC3339Nano))
	}

	typ, ok := m.TypeForValue(v)
	if !ok {
		return "", errors.Newf("no literal form for %T", v)
	}
	buf, err := m.Encode(typ.OID, pgtype.TextFormatCode, v, nil)
	if err != nil {
		return "", err
	}
	if buf == nil {
		return "NULL", nil
	}
	return quote(esc, string(buf))
}

func quote(esc literalEscaper, s string) (string, error) {
	escaped, err := esc.EscapeString(s)
	if err != nil {
		return "", err
	}
	return "'" + escaped + "'", nil
}

// replacePlaceholders substitutes $n outside quoted text, comments and dollar
// quoted bodies.
func replacePlaceholders(sql string, literals []string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(sql))
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '\'' || c == '"':
			end := skipQuoted(sql, i, c)
			sb.WriteString(sql[i:end])
			i = end
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql) - i
			}
			sb.WriteString(sql[i : i+end])
			i += end
		case c == '$':
			j := i + 1
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			if j > i+1 {
				n, _ := strconv.Atoi(sql[i+1 : j])
				if n < 1 || n > len(literals) {
					return "", errors.Newf("placeholder $%d has no argument", n)
				}
				sb.WriteString(literals[n-1])
				i = j
				continue
			}
			if tagEnd := dollarTagEnd(sql, i); tagEnd > 0 {
				tag := sql[i:tagEnd]
				body := strings.Index(sql[tagEnd:], tag)
				end := len(sql)
				if body >= 0 {
					end = tagEnd + body + len(tag)
				}
				sb.WriteString(sql[i:end])
				i = end
				continue
			}
			sb.WriteByte(c)
			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String(), nil
}

func skipQuoted(sql string, start int, q byte) int {
	for i := start + 1; i < len(sql); i++ {
		if sql[i] != q {
			continue
		}
		if i+1 < len(sql) && sql[i+1] == q {
			i++
			continue
		}
		return i + 1
	}
	return len(sql)
}

// dollarTagEnd returns the index after a $tag$ opener starting at i, or 0.
func dollarTagEnd(sql string, i int) int {
	for j := i + 1; j < len(sql); j++ {
		c := sql[j]
		if c == '$' {
			return j + 1
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return 0
		}
	}
	return 0
}
