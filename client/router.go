// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package client

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"grpcsqlproxy/internal/proxypb"
)

// ErrClosed is reported to waiting consumers once the channel stream ended.
// Transport failures wrap both ErrClosed and the stream error.
var ErrClosed = errors.New("sqlproxy: channel closed")

// mailbox is the unbounded queue of responses for one request id.
type mailbox struct {
	mu     sync.Mutex
	items  []*proxypb.Response
	closed bool
	err    error
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) push(resp *proxypb.Response) {
	m.mu.Lock()
	m.items = append(m.items, resp)
	m.mu.Unlock()
	m.notify()
}

// close ends the mailbox. Queued responses stay readable; err, when set, is
// returned after them.
func (m *mailbox) close(err error) {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.err = err
	}
	m.mu.Unlock()
	m.notify()
}

// next returns the oldest response, or (nil, nil) once the mailbox closed
// cleanly and is drained.
func (m *mailbox) next(ctx context.Context) (*proxypb.Response, error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			resp := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			return resp, nil
		}
		closed, err := m.closed, m.err
		m.mu.Unlock()
		if closed {
			return nil, err
		}
		select {
		case <-m.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// router demultiplexes the responses of one stream by request id. The pump
// goroutine starts with the first send and runs until the stream ends.
type router struct {
	stream  proxypb.RunClient
	log     *zap.Logger
	onError func(error)

	ctx    context.Context
	cancel context.CancelCauseFunc

	// sendMu serializes SendMsg and CloseSend on the stream.
	sendMu sync.Mutex

	mu     sync.Mutex
	routes map[string]*mailbox
	closed bool

	start sync.Once
	done  chan struct{}
}

func newRouter(ctx context.Context, cancel context.CancelCauseFunc, stream proxypb.RunClient, log *zap.Logger, onError func(error)) *router {
	return &router{
		stream:  stream,
		log:     log,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
		routes:  make(map[string]*mailbox),
		done:    make(chan struct{}),
	}
}

// register adds the route for id. It must happen before the request is sent.
func (r *router) register(id string) (*mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, r.err()
	}
	if _, ok := r.routes[id]; ok {
		return nil, errors.Newf("request id %q already in flight", id)
	}
	mb := newMailbox()
	r.routes[id] = mb
	return mb, nil
}

// unregister drops the route for id. Later responses for it are discarded.
func (r *router) unregister(id string) {
	r.mu.Lock()
	delete(r.routes, id)
	r.mu.Unlock()
}

func (r *router) send(req *proxypb.Request) error {
	r.start.Do(func() { go r.pump() })
	r.sendMu.Lock()
	err := r.stream.Send(req)
	r.sendMu.Unlock()
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		// The real cause surfaces on Recv and the pump records it.
		<-r.ctx.Done()
		return r.err()
	}
	return errors.Wrap(err, "sending request")
}

// err is the reason the router stopped.
func (r *router) err() error {
	if cause := context.Cause(r.ctx); cause != nil {
		return cause
	}
	return ErrClosed
}

func (r *router) pump() {
	defer close(r.done)
	for {
		resp, err := r.stream.Recv()
		if err != nil {
			r.shutdown(err)
			return
		}
		r.mu.Lock()
		mb := r.routes[resp.ID]
		if resp.Last == proxypb.Last {
			delete(r.routes, resp.ID)
		}
		r.mu.Unlock()
		if mb == nil {
			r.log.Debug("dropping unrouted response", zap.String("id", resp.ID))
			continue
		}
		mb.push(resp)
		if resp.Last == proxypb.Last {
			mb.close(nil)
		}
	}
}

// shutdown ends every pending route, closes the send side and reports
// unexpected failures to onError.
func (r *router) shutdown(err error) {
	expected := errors.Is(err, io.EOF) || isCanceled(err)
	cause := ErrClosed
	if !expected {
		cause = fmt.Errorf("%w: response stream failed: %w", ErrClosed, err)
	}
	r.cancel(cause)

	r.mu.Lock()
	routes := r.routes
	r.routes = make(map[string]*mailbox)
	r.closed = true
	r.mu.Unlock()
	for _, mb := range routes {
		mb.close(cause)
	}

	r.sendMu.Lock()
	_ = r.stream.CloseSend()
	r.sendMu.Unlock()

	if expected {
		r.log.Debug("response stream closed")
		return
	}
	r.log.Warn("response stream failed", zap.Error(err))
	if r.onError != nil {
		r.onError(cause)
	}
}

// close half-closes the stream and waits for the server to finish. If the
// pump never started there is nothing to wait for.
func (r *router) close(ctx context.Context) error {
	started := true
	r.start.Do(func() { started = false })
	if !started {
		r.cancel(ErrClosed)
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		return nil
	}

	r.sendMu.Lock()
	_ = r.stream.CloseSend()
	r.sendMu.Unlock()

	defer r.cancel(ErrClosed)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled
}
