// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package proxypb

import (
	"context"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
)

// wireMessage is implemented by Request and Response.
type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Codec is a grpc encoding.Codec for the SqlProxy messages. It reports the
// "proto" name so the content-subtype matches protoc generated peers.
type Codec struct{}

func (Codec) Name() string { return "proto" }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, errors.Newf("proxypb: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return errors.Newf("proxypb: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "codibre.sqlproxy.SqlProxy"
	// RunFullMethodName is the bidirectional streaming method.
	RunFullMethodName = "/" + ServiceName + "/Run"
)

// RunServer is the server side of the Run stream.
type RunServer = grpc.BidiStreamingServer[Request, Response]

// RunClient is the client side of the Run stream.
type RunClient = grpc.BidiStreamingClient[Request, Response]

// SqlProxyServer is the server API for the SqlProxy service.
type SqlProxyServer interface {
	Run(RunServer) error
}

func runHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SqlProxyServer).Run(&grpc.GenericServerStream[Request, Response]{ServerStream: stream})
}

// ServiceDesc is the grpc.ServiceDesc for the SqlProxy service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SqlProxyServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Run",
			Handler:       runHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "proto/sqlproxy.proto",
}

// RegisterSqlProxyServer registers srv on s. The server must be created with
// ServerOption so the messages are decoded by Codec.
func RegisterSqlProxyServer(s grpc.ServiceRegistrar, srv SqlProxyServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServerOption forces Codec on a grpc.Server.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}

// OpenRun opens a new Run stream on cc.
func OpenRun(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (RunClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	cs, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], RunFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[Request, Response]{ClientStream: cs}, nil
}
