// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package errors defines typed errors with categories for local failures of
// the proxy client. These are programming errors in the calling code, such as
// a batch whose result sets do not line up with its hooks. They are raised
// locally and never sent over the wire.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// BatchHookMismatch indicates the number of result sets differs from the
	// number of registered hooks.
	BatchHookMismatch Kind = "batch_hook_mismatch"
	// ParamLimit indicates a script would exceed the parameter ceiling.
	ParamLimit Kind = "param_limit"
	// NotInTransaction indicates a transaction scoped call outside RunInTransaction.
	NotInTransaction Kind = "not_in_transaction"
	// TransactionNesting indicates RunInTransaction was called inside another one.
	TransactionNesting Kind = "transaction_nesting"
	// BufferNotEmpty indicates an operation requiring an empty script found
	// accumulated statements.
	BufferNotEmpty Kind = "buffer_not_empty"
	// NotExecuted indicates a hook result was read before its batch ran.
	NotExecuted Kind = "not_executed"
)

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// Newf creates an error of kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err or any error it wraps is an *E of kind.
func IsKind(err error, kind Kind) bool {
	var e *E
	return stderrors.As(err, &e) && e.Kind == kind
}
