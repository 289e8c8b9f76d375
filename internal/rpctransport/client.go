package rpctransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
	"github.com/greenfield-labs/bulktransfer/internal/observability"
	"github.com/greenfield-labs/bulktransfer/internal/transfer"
)

const (
	keepaliveTime    = 30 * time.Second
	keepaliveTimeout = 10 * time.Second
)

// DialOptions configures the client connection Dial establishes.
type DialOptions struct {
	TLSConfig *tls.Config // nil dials plain-text, for local/dev use
	Logger    *observability.Logger
}

// Dial connects to a device-side bulktransfer server at address.
func Dial(address string, opts DialOptions) (*grpc.ClientConn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	creds := insecure.NewCredentials()
	if opts.TLSConfig != nil {
		creds = credentials.NewTLS(opts.TLSConfig)
	}

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("rpctransport: dial %s: %w", address, err)
	}

	logger.Info("rpc transport connected", zap.String("address", address))
	return conn, nil
}

// streamDesc has no per-call name; the method path is passed to NewStream
// directly, so the same descriptor serves both the read and write streams.
var streamDesc = grpc.StreamDesc{
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCService implements transfer.Service over a real gRPC connection.
type GRPCService struct {
	conn   *grpc.ClientConn
	logger *observability.Logger
}

// NewGRPCService wraps an established connection. conn is not owned by the
// returned GRPCService; the caller closes it.
func NewGRPCService(conn *grpc.ClientConn, logger *observability.Logger) *GRPCService {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &GRPCService{conn: conn, logger: logger}
}

func (s *GRPCService) OpenRead(onChunk func(*chunk.Chunk), onError func(chunk.Status)) (transfer.Stream, error) {
	return s.open(context.Background(), "/"+ServiceName+"/Read", onChunk, onError)
}

func (s *GRPCService) OpenWrite(onChunk func(*chunk.Chunk), onError func(chunk.Status)) (transfer.Stream, error) {
	return s.open(context.Background(), "/"+ServiceName+"/Write", onChunk, onError)
}

func (s *GRPCService) open(ctx context.Context, method string, onChunk func(*chunk.Chunk), onError func(chunk.Status)) (transfer.Stream, error) {
	cs, err := s.conn.NewStream(ctx, &streamDesc, method, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("rpctransport: open stream %s: %w", method, err)
	}
	cstream := &clientStream{cs: cs, logger: s.logger}
	go cstream.recvLoop(onChunk, onError)
	return cstream, nil
}

type clientStream struct {
	cs     grpc.ClientStream
	logger *observability.Logger
}

func (s *clientStream) Send(c *chunk.Chunk) error {
	return s.cs.SendMsg(c)
}

func (s *clientStream) recvLoop(onChunk func(*chunk.Chunk), onError func(chunk.Status)) {
	for {
		c := new(chunk.Chunk)
		if err := s.cs.RecvMsg(c); err != nil {
			if err == io.EOF {
				onError(chunk.StatusOK)
				return
			}
			st, _ := status.FromError(err)
			s.logger.Warn("stream recv error", zap.Error(err))
			onError(chunk.StatusFromCode(int32(st.Code())))
			return
		}
		onChunk(c)
	}
}
