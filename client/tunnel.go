// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package client

import (
	"context"
	"encoding/json"
	"iter"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"grpcsqlproxy/internal/proxypb"
	"grpcsqlproxy/internal/record"
)

// Reserved queries interpreted by the server session.
const (
	queryBegin    = "BEGIN TRANSACTION"
	queryCommit   = "COMMIT"
	queryRollback = "ROLLBACK"
	queryNoop     = "NOOP"
	queryConnect  = "CONNECT"
)

// ErrNoRows is returned by the QueryFirst family when the result is empty.
var ErrNoRows = errors.New("sqlproxy: no rows in result set")

// ProxyError is an error reported by the server for one request.
type ProxyError struct {
	Message string
	// Index is the result set the server was producing.
	Index int32
}

func (e *ProxyError) Error() string { return e.Message }

// QueryOption tunes one request.
type QueryOption func(*queryOptions)

type queryOptions struct {
	params     any
	compress   bool
	packetSize int32
}

// WithParams sets the named parameters of the statement, written @name in
// SQL. params is a map or a struct and is sent as a JSON object.
func WithParams(params any) QueryOption {
	return func(o *queryOptions) { o.params = params }
}

// WithCompress overrides the channel compression default.
func WithCompress(compress bool) QueryOption {
	return func(o *queryOptions) { o.compress = compress }
}

// WithPacketSize overrides the channel rows per packet default.
func WithPacketSize(n int32) QueryOption {
	return func(o *queryOptions) { o.packetSize = n }
}

// Tunnel is one channel: a Run stream bound to a single server session, and
// so to one database connection. Requests on a tunnel run in the order they
// are sent. Use separate tunnels for parallel work.
type Tunnel struct {
	r          *router
	connString string
	defaults   queryOptions

	// connMu guards connSent, which flips once a request carrying the
	// connection string went out.
	connMu   sync.Mutex
	connSent bool
}

func (t *Tunnel) options(opts []QueryOption) queryOptions {
	o := t.defaults
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// call is one request in flight.
type call struct {
	t  *Tunnel
	id string
	mb *mailbox
}

// send registers a route and writes the request. The connection string is
// attached until a request carrying it was sent; NOOP never carries it.
func (t *Tunnel) send(query string, schemas []string, o queryOptions) (*call, error) {
	req := &proxypb.Request{
		ID:         uuid.NewString(),
		Query:      query,
		Schema:     schemas,
		PacketSize: o.packetSize,
		Compress:   o.compress,
	}
	if o.params != nil {
		raw, err := json.Marshal(o.params)
		if err != nil {
			return nil, errors.Wrap(err, "encoding params")
		}
		req.Params = string(raw)
	}

	mb, err := t.r.register(req.ID)
	if err != nil {
		return nil, err
	}

	withConn := query != queryNoop
	if withConn {
		t.connMu.Lock()
		defer t.connMu.Unlock()
		if !t.connSent {
			req.ConnString = t.connString
		}
	}
	if err := t.r.send(req); err != nil {
		t.r.unregister(req.ID)
		return nil, err
	}
	if withConn {
		t.connSent = true
	}
	return &call{t: t, id: req.ID, mb: mb}, nil
}

// next returns the next packet, nil after the Last one. Error packets are
// returned as *ProxyError.
func (c *call) next(ctx context.Context) (*proxypb.Response, error) {
	resp, err := c.mb.next(ctx)
	if err != nil {
		c.t.r.unregister(c.id)
		return nil, err
	}
	if resp != nil && resp.Error != "" {
		return nil, &ProxyError{Message: resp.Error, Index: resp.Index}
	}
	return resp, nil
}

// drain reads the remaining packets and returns the first error.
func (c *call) drain(ctx context.Context) error {
	for {
		resp, err := c.next(ctx)
		if err != nil || resp == nil || resp.Last == proxypb.Last {
			return err
		}
	}
}

// abandon stops routing packets of the call to its mailbox.
func (c *call) abandon() {
	c.t.r.unregister(c.id)
}

// Execute runs a statement without a result set.
func (t *Tunnel) Execute(ctx context.Context, sql string, opts ...QueryOption) error {
	c, err := t.send(sql, nil, t.options(opts))
	if err != nil {
		return err
	}
	return c.drain(ctx)
}

// BeginTransaction opens the transaction of the session.
func (t *Tunnel) BeginTransaction(ctx context.Context) error {
	return t.Execute(ctx, queryBegin)
}

// Commit commits the open transaction.
func (t *Tunnel) Commit(ctx context.Context) error {
	return t.Execute(ctx, queryCommit)
}

// Rollback rolls back the open transaction.
func (t *Tunnel) Rollback(ctx context.Context) error {
	return t.Execute(ctx, queryRollback)
}

// Noop checks the channel is alive without touching the database.
func (t *Tunnel) Noop(ctx context.Context) error {
	return t.Execute(ctx, queryNoop)
}

// Connect makes the server open the session connection, so the first real
// statement does not pay for it.
func (t *Tunnel) Connect(ctx context.Context) error {
	return t.Execute(ctx, queryConnect)
}

// Close ends the channel. The server rolls back a transaction left open.
func (t *Tunnel) Close(ctx context.Context) error {
	return t.r.close(ctx)
}

// Done is closed when the channel stream ended.
func (t *Tunnel) Done() <-chan struct{} {
	return t.r.ctx.Done()
}

// SchemaOf returns the record schema text the server needs to stream rows
// of T.
func SchemaOf[T any]() (string, error) {
	b, err := record.BindingOf[T]()
	if err != nil {
		return "", err
	}
	return b.Schema.Text, nil
}

// Query runs sql and yields its rows decoded into T by db tag or field name.
// Every range over the result sends the query again. Stopping early discards
// the rest of the rows.
func Query[T any](ctx context.Context, t *Tunnel, sql string, opts ...QueryOption) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		b, err := record.BindingOf[T]()
		if err != nil {
			yield(zero, err)
			return
		}
		c, err := t.send(sql, []string{b.Schema.Text}, t.options(opts))
		if err != nil {
			yield(zero, err)
			return
		}
		for {
			resp, err := c.next(ctx)
			if err != nil {
				yield(zero, err)
				return
			}
			if resp == nil {
				return
			}
			if len(resp.Result) > 0 {
				rows, err := record.DecodeInto[T](b, resp.Result, resp.Compressed)
				if err != nil {
					c.abandon()
					yield(zero, err)
					return
				}
				for _, row := range rows {
					if !yield(row, nil) {
						c.abandon()
						return
					}
				}
			}
			if resp.Last == proxypb.Last {
				return
			}
		}
	}
}

// QueryAll collects every row of sql.
func QueryAll[T any](ctx context.Context, t *Tunnel, sql string, opts ...QueryOption) ([]T, error) {
	var out []T
	for row, err := range Query[T](ctx, t, sql, opts...) {
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// QueryFirst returns the first row of sql, or ErrNoRows. The response is
// read to the end so the request does not stay in flight.
func QueryFirst[T any](ctx context.Context, t *Tunnel, sql string, opts ...QueryOption) (T, error) {
	row, ok, err := queryFirst[T](ctx, t, sql, opts)
	if err == nil && !ok {
		err = ErrNoRows
	}
	return row, err
}

// QueryFirstOrDefault is QueryFirst returning the zero T when there is no
// row.
func QueryFirstOrDefault[T any](ctx context.Context, t *Tunnel, sql string, opts ...QueryOption) (T, error) {
	row, _, err := queryFirst[T](ctx, t, sql, opts)
	return row, err
}

func queryFirst[T any](ctx context.Context, t *Tunnel, sql string, opts []QueryOption) (T, bool, error) {
	var zero T
	b, err := record.BindingOf[T]()
	if err != nil {
		return zero, false, err
	}
	c, err := t.send(sql, []string{b.Schema.Text}, t.options(opts))
	if err != nil {
		return zero, false, err
	}
	var (
		first T
		found bool
	)
	for {
		resp, err := c.next(ctx)
		if err != nil {
			return zero, false, err
		}
		if resp == nil {
			return first, found, nil
		}
		if !found && len(resp.Result) > 0 {
			rows, err := record.DecodeInto[T](b, resp.Result, resp.Compressed)
			if err != nil {
				c.abandon()
				return zero, false, err
			}
			if len(rows) > 0 {
				first, found = rows[0], true
			}
		}
		if resp.Last == proxypb.Last {
			return first, found, nil
		}
	}
}

// QueryRaw runs sql against an explicit schema and yields records as field
// name to value maps.
func (t *Tunnel) QueryRaw(ctx context.Context, sql, schemaText string, opts ...QueryOption) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		schema, err := record.GetSchema(schemaText)
		if err != nil {
			yield(nil, err)
			return
		}
		c, err := t.send(sql, []string{schemaText}, t.options(opts))
		if err != nil {
			yield(nil, err)
			return
		}
		for {
			resp, err := c.next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if resp == nil {
				return
			}
			if len(resp.Result) > 0 {
				rows, err := record.Decode(schema, resp.Result, resp.Compressed)
				if err != nil {
					c.abandon()
					yield(nil, err)
					return
				}
				for _, row := range rows {
					if !yield(row, nil) {
						c.abandon()
						return
					}
				}
			}
			if resp.Last == proxypb.Last {
				return
			}
		}
	}
}

// QueryMultiple runs a script producing one result set per schema and
// returns a Reader over them. Schemas are usually built with SchemaOf and
// must be read back in the same order.
func (t *Tunnel) QueryMultiple(ctx context.Context, sql string, schemas []string, opts ...QueryOption) (*Reader, error) {
	if len(schemas) == 0 {
		return nil, errors.New("QueryMultiple needs at least one schema")
	}
	c, err := t.send(sql, schemas, t.options(opts))
	if err != nil {
		return nil, err
	}
	return &Reader{ctx: ctx, call: c, sets: len(schemas)}, nil
}
