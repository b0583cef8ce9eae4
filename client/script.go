// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package client

import (
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	proxyerrors "grpcsqlproxy/internal/errors"
)

const (
	// ParamLimit is the most parameters one script may carry, the limit of
	// common SQL drivers.
	ParamLimit = 2100
	// DefaultParamMargin is kept free below ParamLimit when deciding to
	// flush or split a batch.
	DefaultParamMargin = 100
)

// placeholder prints the parameter name whatever the verb.
type placeholder string

func (p placeholder) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, string(p))
}

// Script accumulates statements and their parameters. Each statement is a
// fmt format whose verbs are parameter slots: every argument becomes a named
// parameter @pN and never touches the SQL text. A literal % is written %%.
type Script struct {
	sql     strings.Builder
	params  map[string]any
	queries int
}

// Add appends one statement, terminated with a semicolon. A format without
// arguments and without %% is taken verbatim, so raw SQL may contain a bare %.
// Otherwise the number of verbs must match the number of arguments.
func (s *Script) Add(format string, args ...any) error {
	if len(s.params)+len(args) > ParamLimit {
		return proxyerrors.Newf(proxyerrors.ParamLimit,
			"adding %d parameters to %d would exceed the limit of %d", len(args), len(s.params), ParamLimit)
	}
	formatted := len(args) > 0 || strings.Contains(format, "%%")
	if formatted {
		n, err := countSlots(format)
		if err != nil {
			return err
		}
		if n != len(args) {
			return errors.Newf("statement has %d parameter slots but %d arguments: %q", n, len(args), format)
		}
	}
	if s.params == nil && len(args) > 0 {
		s.params = make(map[string]any, len(args))
	}
	slots := make([]any, len(args))
	for i, arg := range args {
		name := "p" + strconv.Itoa(len(s.params))
		s.params[name] = arg
		slots[i] = placeholder("@" + name)
	}
	stmt := format
	if formatted {
		stmt = fmt.Sprintf(format, slots...)
	}
	s.append(stmt)
	return nil
}

// countSlots counts the arguments format consumes: one per verb plus one per
// * width or precision. %% consumes none.
func countSlots(format string) (int, error) {
	n := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		i++
		if i < len(format) && format[i] == '%' {
			continue
		}
		for ; i < len(format) && strings.IndexByte("+-# 0123456789.*[]", format[i]) >= 0; i++ {
			switch format[i] {
			case '*':
				n++
			case '[':
				return 0, errors.Newf("explicit argument indexes are not supported: %q", format)
			}
		}
		if i >= len(format) {
			return 0, errors.Newf("statement ends with an incomplete verb: %q", format)
		}
		n++
	}
	return n, nil
}

func (s *Script) append(stmt string) {
	stmt = strings.TrimSpace(stmt)
	if s.sql.Len() > 0 {
		s.sql.WriteByte('\n')
	}
	s.sql.WriteString(stmt)
	if !strings.HasSuffix(stmt, ";") {
		s.sql.WriteByte(';')
	}
	s.queries++
}

// wrap surrounds the accumulated statements with first and last.
func (s *Script) wrap(first, last string) {
	body := s.sql.String()
	s.sql.Reset()
	s.append(first)
	if body != "" {
		s.sql.WriteByte('\n')
		s.sql.WriteString(body)
	}
	s.append(last)
}

// SQL is the accumulated script.
func (s *Script) SQL() string { return s.sql.String() }

// Params returns a copy of the parameters keyed by name without the @.
func (s *Script) Params() map[string]any { return maps.Clone(s.params) }

// QueryCount is the number of statements added.
func (s *Script) QueryCount() int { return s.queries }

// ParamCount is the number of parameters added.
func (s *Script) ParamCount() int { return len(s.params) }

// Clear empties the script.
func (s *Script) Clear() {
	s.sql.Reset()
	s.params = nil
	s.queries = 0
}
