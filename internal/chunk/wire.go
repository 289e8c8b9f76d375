package chunk

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the on-the-wire encoding of Chunk. This module owns its
// own tiny protobuf-compatible encoding rather than depending on a
// protoc-generated message type — code-generation for RPC stubs is an
// external concern the design explicitly leaves out of scope, and a hand
// rolled varint/length-delimited encoder built on protowire is enough to
// drive a real gRPC stream end to end.
const (
	fieldTransferID           = 1
	fieldOffset               = 2
	fieldData                 = 3
	fieldPendingBytes         = 4
	fieldMaxChunkSizeBytes    = 5
	fieldMinDelayMicroseconds = 6
	fieldRemainingBytes       = 7
	fieldStatus               = 8
)

// Marshal encodes a Chunk using length-delimited/varint protobuf wire
// primitives. Fields left unset (nil) are omitted entirely, preserving the
// presence semantics the transfer protocol depends on.
func Marshal(c *Chunk) ([]byte, error) {
	var b []byte

	b = protowire.AppendTag(b, fieldTransferID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.TransferID))

	if c.Offset != nil {
		b = protowire.AppendTag(b, fieldOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, *c.Offset)
	}
	if c.Data != nil {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Data)
	}
	if c.PendingBytes != nil {
		b = protowire.AppendTag(b, fieldPendingBytes, protowire.VarintType)
		b = protowire.AppendVarint(b, *c.PendingBytes)
	}
	if c.MaxChunkSizeBytes != nil {
		b = protowire.AppendTag(b, fieldMaxChunkSizeBytes, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*c.MaxChunkSizeBytes))
	}
	if c.MinDelayMicroseconds != nil {
		b = protowire.AppendTag(b, fieldMinDelayMicroseconds, protowire.VarintType)
		b = protowire.AppendVarint(b, *c.MinDelayMicroseconds)
	}
	if c.RemainingBytes != nil {
		b = protowire.AppendTag(b, fieldRemainingBytes, protowire.VarintType)
		b = protowire.AppendVarint(b, *c.RemainingBytes)
	}
	if c.Status != nil {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(*c.Status)))
	}

	return b, nil
}

// Unmarshal decodes bytes produced by Marshal back into a Chunk, preserving
// which fields were present on the wire.
func Unmarshal(data []byte) (*Chunk, error) {
	c := &Chunk{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("chunk: invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldTransferID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("chunk: invalid transfer_id: %w", protowire.ParseError(n))
			}
			c.TransferID = uint32(v)
			data = data[n:]
		case fieldOffset:
			v, n := consumeVarint(&data, typ)
			if n < 0 {
				return nil, fmt.Errorf("chunk: invalid offset")
			}
			c.Offset = &v
		case fieldData:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("chunk: invalid data: %w", protowire.ParseError(n))
			}
			c.Data = append(make([]byte, 0, len(v)), v...)
			data = data[n:]
		case fieldPendingBytes:
			v, n := consumeVarint(&data, typ)
			if n < 0 {
				return nil, fmt.Errorf("chunk: invalid pending_bytes")
			}
			c.PendingBytes = &v
		case fieldMaxChunkSizeBytes:
			v, n := consumeVarint(&data, typ)
			if n < 0 {
				return nil, fmt.Errorf("chunk: invalid max_chunk_size_bytes")
			}
			v32 := uint32(v)
			c.MaxChunkSizeBytes = &v32
		case fieldMinDelayMicroseconds:
			v, n := consumeVarint(&data, typ)
			if n < 0 {
				return nil, fmt.Errorf("chunk: invalid min_delay_microseconds")
			}
			c.MinDelayMicroseconds = &v
		case fieldRemainingBytes:
			v, n := consumeVarint(&data, typ)
			if n < 0 {
				return nil, fmt.Errorf("chunk: invalid remaining_bytes")
			}
			c.RemainingBytes = &v
		case fieldStatus:
			v, n := consumeVarint(&data, typ)
			if n < 0 {
				return nil, fmt.Errorf("chunk: invalid status")
			}
			s := int32(int64(v))
			c.Status = &s
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("chunk: invalid unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return c, nil
}

// consumeVarint reads a varint field and advances *data past it, returning
// the decoded value and the number of bytes consumed (negative on error).
func consumeVarint(data *[]byte, typ protowire.Type) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, -1
	}
	v, n := protowire.ConsumeVarint(*data)
	if n < 0 {
		return 0, n
	}
	*data = (*data)[n:]
	return v, n
}
