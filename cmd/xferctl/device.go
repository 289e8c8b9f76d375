package main

import (
	"sync"

	"go.uber.org/zap"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
	"github.com/greenfield-labs/bulktransfer/internal/observability"
	"github.com/greenfield-labs/bulktransfer/internal/rpctransport"
)

const (
	referenceWindow       = 4096
	referenceMaxChunkSize = 512
)

// referenceDevice is a minimal in-memory device implementing both transfer
// directions, for exercising xferctl's read/write commands against
// something real without needing actual hardware.
type referenceDevice struct {
	logger *observability.Logger

	mu    sync.Mutex
	store map[uint32][]byte
}

func newReferenceDevice(logger *observability.Logger) *referenceDevice {
	return &referenceDevice{logger: logger, store: make(map[uint32][]byte)}
}

func (d *referenceDevice) HandleRead(stream rpctransport.ServerStream) error {
	for {
		in, err := stream.Recv()
		if err != nil {
			return err
		}
		if in.IsTerminating() {
			return nil
		}
		d.serveReadWindow(stream, in)
	}
}

func (d *referenceDevice) serveReadWindow(stream rpctransport.ServerStream, params *chunk.Chunk) {
	d.mu.Lock()
	data := d.store[params.TransferID]
	d.mu.Unlock()

	offset := params.GetOffset()
	maxChunk := uint64(params.GetMaxChunkSizeBytes())
	if maxChunk == 0 {
		maxChunk = uint64(len(data))
	}
	if maxChunk == 0 {
		maxChunk = 1
	}
	end := offset + params.GetPendingBytes()
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}

	for offset < end {
		n := maxChunk
		if offset+n > end {
			n = end - offset
		}
		final := offset+n >= uint64(len(data))
		if err := stream.Send(chunk.NewData(params.TransferID, offset, data[offset:offset+n], final)); err != nil {
			d.logger.Warn("reference device: send failed", zap.Error(err))
			return
		}
		offset += n
	}
}

func (d *referenceDevice) HandleWrite(stream rpctransport.ServerStream) error {
	var id uint32
	var buf []byte
	var windowGranted, windowUsed uint64

	for {
		in, err := stream.Recv()
		if err != nil {
			return err
		}

		if in.IsTerminating() {
			return nil
		}

		if in.Offset == nil {
			id = in.TransferID
			buf = nil
			windowGranted, windowUsed = referenceWindow, 0
			if err := stream.Send(chunk.NewParameters(id, 0, windowGranted, referenceMaxChunkSize, nil)); err != nil {
				return err
			}
			continue
		}

		buf = append(buf, in.Data...)
		windowUsed += uint64(len(in.Data))

		if in.HasRemainingBytes() && in.GetRemainingBytes() == 0 {
			d.mu.Lock()
			d.store[id] = append([]byte(nil), buf...)
			d.mu.Unlock()
			return stream.Send(chunk.NewTerminator(id, chunk.StatusOK))
		}

		if windowUsed >= windowGranted {
			if err := stream.Send(chunk.NewParameters(id, uint64(len(buf)), referenceWindow, referenceMaxChunkSize, nil)); err != nil {
				return err
			}
			windowGranted, windowUsed = referenceWindow, 0
		}
	}
}
