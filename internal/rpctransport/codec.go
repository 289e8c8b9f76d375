// Package rpctransport adapts a real gRPC connection to the transfer
// package's Service/Stream interfaces, without protoc-generated client or
// server stubs: the wire type is internal/chunk's hand-rolled Chunk codec,
// carried over a manually built grpc.StreamDesc on both ends.
package rpctransport

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
)

// codecName is the gRPC content-subtype this package registers and
// requests, so grpc-go picks chunkCodec for both legs of the stream
// without needing a .proto-described message type.
const codecName = "chunkpb"

type chunkCodec struct{}

func (chunkCodec) Marshal(v interface{}) ([]byte, error) {
	c, ok := v.(*chunk.Chunk)
	if !ok {
		return nil, fmt.Errorf("rpctransport: codec cannot marshal %T", v)
	}
	return chunk.Marshal(c)
}

func (chunkCodec) Unmarshal(data []byte, v interface{}) error {
	c, ok := v.(*chunk.Chunk)
	if !ok {
		return fmt.Errorf("rpctransport: codec cannot unmarshal into %T", v)
	}
	decoded, err := chunk.Unmarshal(data)
	if err != nil {
		return err
	}
	*c = *decoded
	return nil
}

func (chunkCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(chunkCodec{})
}
