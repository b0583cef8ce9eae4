// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package client

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/cockroachdb/errors"

	proxyerrors "grpcsqlproxy/internal/errors"
	"grpcsqlproxy/internal/proxypb"
)

// ErrorKind categorizes the local errors of a Batch.
type ErrorKind = proxyerrors.Kind

// Kinds of the local errors returned by Batch.
const (
	KindBatchHookMismatch  = proxyerrors.BatchHookMismatch
	KindParamLimit         = proxyerrors.ParamLimit
	KindNotInTransaction   = proxyerrors.NotInTransaction
	KindTransactionNesting = proxyerrors.TransactionNesting
	KindBufferNotEmpty     = proxyerrors.BufferNotEmpty
	KindNotExecuted        = proxyerrors.NotExecuted
)

// IsKind reports whether err is a local Batch error of kind.
func IsKind(err error, kind ErrorKind) bool {
	return proxyerrors.IsKind(err, kind)
}

// Executor runs the scripts of a Batch. *Tunnel implements it.
type Executor interface {
	Execute(ctx context.Context, sql string, opts ...QueryOption) error
	QueryMultiple(ctx context.Context, sql string, schemas []string, opts ...QueryOption) (*Reader, error)
	BeginTransaction(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionOptions tunes RunInTransaction.
type TransactionOptions struct {
	// ParamMargin is kept free below ParamLimit: AddTransactionScript flushes
	// once the script holds ParamLimit - ParamMargin parameters. Zero means
	// DefaultParamMargin.
	ParamMargin int
	// QueryOptions apply to every round trip of the transaction.
	QueryOptions []QueryOption
}

// transactionContext lives for one RunInTransaction call.
type transactionContext struct {
	open      bool
	canceled  bool
	withHooks bool
	opts      TransactionOptions
}

// pendingResult marks a hook whose batch has not run yet.
type pendingResult struct{}

var pending any = pendingResult{}

// Batch accumulates statements into one script sent in a single round trip.
// Statements are either fire and forget (AddNoResultScript, Execute) or
// hooked queries whose results are available once RunQueries returns. A
// Batch is not safe for concurrent use.
type Batch struct {
	exec    Executor
	script  Script
	schemas []string
	hooks   []func(*Reader) error
	results map[any]any
	tx      *transactionContext
}

// NewBatch creates an empty batch running on exec.
func NewBatch(exec Executor) *Batch {
	return &Batch{exec: exec, results: make(map[any]any)}
}

// SQL is the accumulated script.
func (b *Batch) SQL() string { return b.script.SQL() }

// QueryCount is the number of accumulated statements.
func (b *Batch) QueryCount() int { return b.script.QueryCount() }

// ParamCount is the number of accumulated parameters.
func (b *Batch) ParamCount() int { return b.script.ParamCount() }

// AddNoResultScript appends a statement whose result is not read.
func (b *Batch) AddNoResultScript(format string, args ...any) error {
	return b.script.Add(format, args...)
}

// AddStartTransaction appends BEGIN TRANSACTION to the script.
func (b *Batch) AddStartTransaction() error {
	return b.script.Add(queryBegin)
}

// AddFinishTransaction appends COMMIT to the script.
func (b *Batch) AddFinishTransaction() error {
	return b.script.Add(queryCommit)
}

// Execute sends the accumulated script without reading results and clears
// it. It is refused inside a transaction that registered hooks.
func (b *Batch) Execute(ctx context.Context, opts ...QueryOption) error {
	if b.tx != nil && b.tx.withHooks {
		return proxyerrors.New(proxyerrors.BatchHookMismatch, "Execute is not allowed in a transaction with hooks")
	}
	if b.script.QueryCount() == 0 {
		return nil
	}
	opts = append([]QueryOption{WithParams(b.script.Params())}, opts...)
	if err := b.exec.Execute(ctx, b.script.SQL(), opts...); err != nil {
		return err
	}
	b.clearPending()
	return nil
}

// Hook is the deferred result of a hooked query.
type Hook[T any] struct {
	b     *Batch
	token any
}

// Result returns the hooked value. It fails with KindNotExecuted until the
// batch holding the query ran.
func (h *Hook[T]) Result() (T, error) {
	return Get[T](h.b, h.token)
}

// Get returns the result stored for token.
func Get[T any](b *Batch, token any) (T, error) {
	var zero T
	v, ok := b.results[token]
	if !ok || v == pending {
		return zero, proxyerrors.New(proxyerrors.NotExecuted, "query not executed yet")
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Newf("result of type %T is not a %T", v, zero)
	}
	return t, nil
}

// addHook registers a statement and the function reading its result set. A
// token already holding a result keeps it and the statement is not added.
func addHook[T any](b *Batch, token any, schema string, read func(*Reader) (any, error), format string, args []any) (*Hook[T], error) {
	if b.tx != nil {
		b.tx.withHooks = true
	}
	h := &Hook[T]{b: b, token: token}
	if v, ok := b.results[token]; ok && v != pending {
		return h, nil
	}
	if err := b.script.Add(format, args...); err != nil {
		return nil, err
	}
	b.results[token] = pending
	b.schemas = append(b.schemas, schema)
	b.hooks = append(b.hooks, func(r *Reader) error {
		v, err := read(r)
		if err != nil {
			return err
		}
		b.results[token] = v
		return nil
	})
	return h, nil
}

// QueryHook adds a query whose rows are collected into a []T.
func QueryHook[T any](b *Batch, format string, args ...any) (*Hook[[]T], error) {
	return QueryHookWithToken[T](b, new(int), format, args...)
}

// QueryHookWithToken is QueryHook storing the result under token, so it can
// also be read with Get. A token that already has a result is reused.
func QueryHookWithToken[T any](b *Batch, token any, format string, args ...any) (*Hook[[]T], error) {
	schema, err := SchemaOf[T]()
	if err != nil {
		return nil, err
	}
	return addHook[[]T](b, token, schema, func(r *Reader) (any, error) {
		rows, err := ReadAll[T](r)
		if err != nil || rows == nil {
			return []T(nil), err
		}
		return rows, nil
	}, format, args)
}

// QueryFirstHook adds a query whose first row is kept. An empty result makes
// RunQueries fail with ErrNoRows.
func QueryFirstHook[T any](b *Batch, format string, args ...any) (*Hook[T], error) {
	return QueryFirstHookWithToken[T](b, new(int), format, args...)
}

// QueryFirstHookWithToken is QueryFirstHook storing the result under token.
func QueryFirstHookWithToken[T any](b *Batch, token any, format string, args ...any) (*Hook[T], error) {
	schema, err := SchemaOf[T]()
	if err != nil {
		return nil, err
	}
	return addHook[T](b, token, schema, func(r *Reader) (any, error) {
		return ReadFirst[T](r)
	}, format, args)
}

// QueryFirstOrDefaultHook adds a query whose first row is kept, nil when
// there is none.
func QueryFirstOrDefaultHook[T any](b *Batch, format string, args ...any) (*Hook[*T], error) {
	return QueryFirstOrDefaultHookWithToken[T](b, new(int), format, args...)
}

// QueryFirstOrDefaultHookWithToken is QueryFirstOrDefaultHook storing the
// result under token.
func QueryFirstOrDefaultHookWithToken[T any](b *Batch, token any, format string, args ...any) (*Hook[*T], error) {
	schema, err := SchemaOf[T]()
	if err != nil {
		return nil, err
	}
	return addHook[*T](b, token, schema, func(r *Reader) (any, error) {
		row, ok, err := readFirst[T](r)
		if err != nil || !ok {
			return (*T)(nil), err
		}
		return &row, nil
	}, format, args)
}

// RunQueries sends the script as one multi result set query and hands each
// result set to the next hook in registration order. The number of result
// sets must equal the number of hooks.
func (b *Batch) RunQueries(ctx context.Context, opts ...QueryOption) error {
	if b.script.QueryCount() == 0 {
		return nil
	}
	if len(b.hooks) == 0 {
		return proxyerrors.New(proxyerrors.BatchHookMismatch, "RunQueries needs at least one hook, use Execute")
	}
	opts = append([]QueryOption{WithParams(b.script.Params())}, opts...)
	reader, err := b.exec.QueryMultiple(ctx, b.script.SQL(), b.schemas, opts...)
	if err != nil {
		return err
	}
	read := 0
	for !reader.Consumed() {
		if read >= len(b.hooks) {
			_ = reader.Close()
			return proxyerrors.Newf(proxyerrors.BatchHookMismatch,
				"received more result sets than the %d registered hooks", len(b.hooks))
		}
		if err := b.hooks[read](reader); err != nil {
			_ = reader.Close()
			var perr *ProxyError
			if errors.As(err, &perr) && strings.HasPrefix(perr.Message, proxypb.ErrMoreResultSets) {
				return proxyerrors.Wrap(proxyerrors.BatchHookMismatch,
					fmt.Sprintf("received more result sets than the %d registered hooks", len(b.hooks)), err)
			}
			return err
		}
		read++
	}
	if read < len(b.hooks) {
		return proxyerrors.Newf(proxyerrors.BatchHookMismatch,
			"received %d result sets for %d registered hooks", read, len(b.hooks))
	}
	b.clearPending()
	return nil
}

// Clear drops the accumulated script, the pending hooks and every stored
// result.
func (b *Batch) Clear() {
	clear(b.results)
	b.clearPending()
}

func (b *Batch) clearPending() {
	if b.tx != nil {
		b.tx.withHooks = false
	}
	b.script.Clear()
	b.schemas = nil
	b.hooks = nil
}

// Prepared pairs an input item with the value its prepare callback returned.
type Prepared[In, Out any] struct {
	Item  In
	Value Out
}

// PrepareEnumerable calls prepare for the items of seq, which registers
// hooks on b, and runs the batch whenever fewer than margin parameters are
// left below ParamLimit, or at the end. Pairs are yielded after their batch
// ran, in input order, so hooks returned by prepare can be read. A margin
// <= 0 means DefaultParamMargin.
func PrepareEnumerable[In, Out any](ctx context.Context, b *Batch, seq iter.Seq[In], prepare func(In, *Batch) (Out, error), margin int, opts ...QueryOption) iter.Seq2[Prepared[In, Out], error] {
	if margin <= 0 {
		margin = DefaultParamMargin
	}
	return func(yield func(Prepared[In, Out], error) bool) {
		defer b.clearPending()
		var chunk []Prepared[In, Out]
		flush := func() bool {
			if err := b.RunQueries(ctx, opts...); err != nil {
				yield(Prepared[In, Out]{}, err)
				return false
			}
			for _, p := range chunk {
				if !yield(p, nil) {
					return false
				}
			}
			chunk = chunk[:0]
			return true
		}
		for item := range seq {
			v, err := prepare(item, b)
			if err != nil {
				yield(Prepared[In, Out]{}, err)
				return
			}
			chunk = append(chunk, Prepared[In, Out]{Item: item, Value: v})
			if b.script.ParamCount()+margin >= ParamLimit && !flush() {
				return
			}
		}
		if len(chunk) > 0 {
			flush()
		}
	}
}

// RunInTransaction runs fn as one transaction. Statements added with
// AddTransactionScript are flushed in several round trips when they would
// not fit one script; the remote transaction is then opened on the first
// flush and committed at the end. When everything fits one script it is
// sent once, wrapped in BEGIN TRANSACTION and COMMIT. CancelTransaction
// rolls everything back. An error from fn rolls back an opened transaction
// and is returned.
func (b *Batch) RunInTransaction(ctx context.Context, fn func(context.Context, *Batch) error, opts TransactionOptions) (err error) {
	if b.tx != nil {
		return proxyerrors.New(proxyerrors.TransactionNesting, "RunInTransaction already running")
	}
	if b.script.QueryCount() > 0 {
		return proxyerrors.New(proxyerrors.BufferNotEmpty, "query buffer not empty")
	}
	if opts.ParamMargin <= 0 {
		opts.ParamMargin = DefaultParamMargin
	}
	tx := &transactionContext{opts: opts}
	b.tx = tx
	defer func() {
		b.tx = nil
		b.clearPending()
	}()

	if err := fn(ctx, b); err != nil {
		if tx.open {
			if rerr := b.exec.Rollback(ctx); rerr != nil {
				return errors.WithSecondaryError(err, rerr)
			}
		}
		return err
	}

	switch {
	case tx.canceled:
		if tx.open {
			return b.exec.Rollback(ctx)
		}
		return nil
	case tx.open:
		if err := b.runInTransaction(ctx); err != nil {
			if rerr := b.exec.Rollback(ctx); rerr != nil {
				return errors.WithSecondaryError(err, rerr)
			}
			return err
		}
		return b.exec.Commit(ctx)
	}
	if b.script.QueryCount() == 0 {
		return nil
	}
	b.script.wrap(queryBegin, queryCommit)
	return b.runInTransaction(ctx)
}

// AddTransactionScript appends a statement inside RunInTransaction, first
// flushing the script when the parameter margin was reached.
func (b *Batch) AddTransactionScript(ctx context.Context, format string, args ...any) error {
	if err := b.validateInTransaction(); err != nil {
		return err
	}
	if b.script.ParamCount()+b.tx.opts.ParamMargin >= ParamLimit {
		if err := b.flushTransaction(ctx); err != nil {
			return err
		}
	}
	return b.script.Add(format, args...)
}

// FlushTransaction sends the accumulated script now, opening the remote
// transaction first if needed.
func (b *Batch) FlushTransaction(ctx context.Context) error {
	if err := b.validateInTransaction(); err != nil {
		return err
	}
	return b.flushTransaction(ctx)
}

// CancelTransaction makes RunInTransaction roll back instead of committing.
func (b *Batch) CancelTransaction() error {
	if err := b.validateInTransaction(); err != nil {
		return err
	}
	b.tx.canceled = true
	return nil
}

func (b *Batch) validateInTransaction() error {
	if b.tx == nil {
		return proxyerrors.New(proxyerrors.NotInTransaction, "must run inside RunInTransaction")
	}
	return nil
}

func (b *Batch) flushTransaction(ctx context.Context) error {
	if !b.tx.open {
		if err := b.exec.BeginTransaction(ctx); err != nil {
			return err
		}
		b.tx.open = true
	}
	return b.runInTransaction(ctx)
}

// runInTransaction sends the script with RunQueries when hooks were
// registered and with Execute otherwise.
func (b *Batch) runInTransaction(ctx context.Context) error {
	if b.tx.withHooks {
		return b.RunQueries(ctx, b.tx.opts.QueryOptions...)
	}
	return b.Execute(ctx, b.tx.opts.QueryOptions...)
}
