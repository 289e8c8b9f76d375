package rpctransport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
)

// ServiceName is the fully qualified gRPC service name used on the wire.
const ServiceName = "bulktransfer.Transfer"

// ServerStream is the device side's view of one open stream: receive
// chunks the client sent, send chunks back.
type ServerStream interface {
	Send(c *chunk.Chunk) error
	Recv() (*chunk.Chunk, error)
	Context() context.Context
}

// Handler implements the device side of both transfer directions. A test
// fixture or reference device binds its TransferManager-equivalent logic to
// this interface and passes it to Register.
type Handler interface {
	HandleRead(stream ServerStream) error
	HandleWrite(stream ServerStream) error
}

type serverStream struct {
	ss grpc.ServerStream
}

func (s *serverStream) Send(c *chunk.Chunk) error { return s.ss.SendMsg(c) }

func (s *serverStream) Recv() (*chunk.Chunk, error) {
	var c chunk.Chunk
	if err := s.ss.RecvMsg(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *serverStream) Context() context.Context { return s.ss.Context() }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Read",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(Handler).HandleRead(&serverStream{ss: stream})
			},
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName: "Write",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(Handler).HandleWrite(&serverStream{ss: stream})
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// Register binds h to server as the bulktransfer.Transfer service.
func Register(server *grpc.Server, h Handler) {
	server.RegisterService(&serviceDesc, h)
}
