package transfer

import (
	"time"

	"go.uber.org/zap"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
	"github.com/greenfield-labs/bulktransfer/internal/observability"
)

// readTransfer pulls data from the device into an in-memory buffer. It
// advertises a receive window with a parameters chunk, accumulates the data
// chunks that arrive in response, and re-announces the window whenever the
// device sends data out of sequence or the window empties.
type readTransfer struct {
	*base

	offset                uint64
	pendingBytes          uint64
	maxBytesToReceive     uint64
	maxChunkSize          uint32
	chunkDelayUs          *uint64
	remainingTransferSize uint64 // advisory hint from the device's last remaining_bytes, per spec.md §4.3 step 5

	responseTimeout time.Duration
	maxRetries      int
	retriesSoFar    int
}

func newReadTransfer(
	id uint32,
	sendChunk func(c *chunk.Chunk) error,
	endTransfer func(id uint32),
	postTimeout func(generation uint64),
	responseTimeout time.Duration,
	maxRetries int,
	maxBytesToReceive uint64,
	maxChunkSize uint32,
	chunkDelayUs *uint64,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *readTransfer {
	return &readTransfer{
		base:              newBase(id, DirectionRead, nil, sendChunk, endTransfer, postTimeout, logger, metrics),
		maxBytesToReceive: maxBytesToReceive,
		maxChunkSize:      maxChunkSize,
		chunkDelayUs:      chunkDelayUs,
		responseTimeout:   responseTimeout,
		maxRetries:        maxRetries,
	}
}

func (r *readTransfer) begin() {
	r.metrics.TransferStarted(r.dir.String())
	r.sendParameters()
}

func (r *readTransfer) sendParameters() {
	r.pendingBytes = r.maxBytesToReceive
	c := chunk.NewParameters(r.id(), r.offset, r.pendingBytes, r.maxChunkSize, r.chunkDelayUs)
	if !r.sendOrFail(c) {
		return
	}
	r.responseTimer.Start(r.responseTimeout)
}

func (r *readTransfer) onTimeout() {
	r.observeRoundTrip()
	r.retriesSoFar++
	if r.retriesSoFar > r.maxRetries {
		r.finish(chunk.StatusDeadlineExceeded)
		return
	}
	r.metrics.RetryIssued(r.dir.String())
	r.logger.Info("read transfer timed out, retrying",
		zap.Uint32("transfer_id", r.id()),
		zap.Int("retry", r.retriesSoFar),
		zap.Int("max_retries", r.maxRetries),
	)
	r.sendParameters()
}

func (r *readTransfer) handleChunk(c *chunk.Chunk) {
	r.observeRoundTrip()
	r.responseTimer.Stop()
	r.metrics.ChunkReceived(r.dir.String())
	r.retriesSoFar = 0

	if c.GetOffset() != r.offset {
		r.logger.Info("out-of-sequence chunk, reparameterizing",
			zap.Uint32("transfer_id", r.id()),
			zap.Uint64("expected_offset", r.offset),
			zap.Uint64("got_offset", c.GetOffset()),
		)
		r.sendParameters()
		return
	}

	r.appendData(c.Data)
	n := uint64(len(c.Data))
	r.offset += n
	if n > r.pendingBytes {
		r.pendingBytes = 0
	} else {
		r.pendingBytes -= n
	}
	r.metrics.BytesTransferred(r.dir.String(), int(n))

	if c.HasRemainingBytes() && c.GetRemainingBytes() == 0 {
		if !r.sendOrFail(chunk.NewTerminator(r.id(), chunk.StatusOK)) {
			return
		}
		r.finish(chunk.StatusOK)
		return
	}

	if c.HasRemainingBytes() {
		r.remainingTransferSize = c.GetRemainingBytes()
	}

	if r.pendingBytes == 0 {
		r.sendParameters()
		return
	}
	r.responseTimer.Start(r.responseTimeout)
}

func (r *readTransfer) snapshot() TransferSnapshot {
	return TransferSnapshot{
		ID:                    r.id(),
		Direction:             r.dir.String(),
		Offset:                r.offset,
		Status:                r.statusOf().String(),
		Done:                  isClosed(r.waitDone()),
		RemainingTransferSize: r.remainingTransferSize,
	}
}
