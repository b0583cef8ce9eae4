// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package client is the Go client of the gRPC SQL proxy.
//
// A Client holds one gRPC connection. Each channel it creates is a Tunnel:
// one Run stream, served by one server session with its own database
// connection and transaction. Many requests can be in flight on a tunnel;
// their responses are routed back by request id.
//
//	c, err := client.New(client.Options{URL: "localhost:3000", ConnectionString: dsn})
//	tun, err := c.CreateChannel(ctx)
//	defer tun.Close(ctx)
//	users, err := client.QueryAll[User](ctx, tun, "SELECT id, name FROM users")
package client

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"grpcsqlproxy/internal/proxypb"
)

// Options configures a Client.
type Options struct {
	// URL is the proxy address, host:port or any gRPC target.
	URL string
	// ConnectionString is sent with the first request of every channel.
	ConnectionString string
	// Compress and PacketSize are the per request defaults. PacketSize <= 0
	// lets the server pick.
	Compress   bool
	PacketSize int32
	// DialOptions are added to the gRPC client. Without transport
	// credentials among them the connection is insecure.
	DialOptions []grpc.DialOption
	Logger      *zap.Logger
	// OnError is called once for every channel whose stream fails.
	OnError func(error)
}

// Client creates channels on one gRPC connection.
type Client struct {
	cc   *grpc.ClientConn
	opts Options
	log  *zap.Logger
}

// New creates a Client. The connection is established lazily.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("proxy URL is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	dial := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts.DialOptions...)
	cc, err := grpc.NewClient(opts.URL, dial...)
	if err != nil {
		return nil, errors.Wrapf(err, "creating client for %s", opts.URL)
	}
	return &Client{cc: cc, opts: opts, log: opts.Logger}, nil
}

// CreateChannel opens a new Run stream. The stream outlives ctx; it ends
// with Tunnel.Close, Client.Close or a transport failure.
func (c *Client) CreateChannel(ctx context.Context) (*Tunnel, error) {
	streamCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stream, err := proxypb.OpenRun(streamCtx, c.cc)
	if err != nil {
		cancel(err)
		return nil, errors.Wrap(err, "opening channel")
	}
	r := newRouter(streamCtx, cancel, stream, c.log, c.opts.OnError)
	return &Tunnel{
		r:          r,
		connString: c.opts.ConnectionString,
		defaults:   queryOptions{compress: c.opts.Compress, packetSize: c.opts.PacketSize},
	}, nil
}

// Initialize checks the proxy and the database are reachable by opening a
// channel, connecting it and closing it again.
func (c *Client) Initialize(ctx context.Context) error {
	t, err := c.CreateChannel(ctx)
	if err != nil {
		return err
	}
	if err := t.Connect(ctx); err != nil {
		_ = t.Close(ctx)
		return err
	}
	return t.Close(ctx)
}

// Close closes the gRPC connection, ending every channel.
func (c *Client) Close() error {
	return c.cc.Close()
}
