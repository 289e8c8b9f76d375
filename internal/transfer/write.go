package transfer

import (
	"time"

	"go.uber.org/zap"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
	"github.com/greenfield-labs/bulktransfer/internal/observability"
)

// writeTransfer pushes an in-memory payload to the device. It announces
// itself, then on every parameters chunk the device sends back, sends as
// much of the payload as that window allows, honoring the device's
// requested max chunk size and inter-chunk delay.
type writeTransfer struct {
	*base

	offset         uint64
	maxBytesToSend uint64
	maxChunkSize   uint32
	chunkDelayUs   *uint64

	responseTimeout time.Duration
}

func newWriteTransfer(
	id uint32,
	payload []byte,
	sendChunk func(c *chunk.Chunk) error,
	endTransfer func(id uint32),
	postTimeout func(generation uint64),
	responseTimeout time.Duration,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *writeTransfer {
	return &writeTransfer{
		base:            newBase(id, DirectionWrite, payload, sendChunk, endTransfer, postTimeout, logger, metrics),
		responseTimeout: responseTimeout,
	}
}

func (w *writeTransfer) begin() {
	w.metrics.TransferStarted(w.dir.String())
	if !w.sendOrFail(chunk.NewAnnounce(w.id())) {
		return
	}
	w.responseTimer.Start(w.responseTimeout)
}

func (w *writeTransfer) onTimeout() {
	w.observeRoundTrip()
	w.finish(chunk.StatusDeadlineExceeded)
}

func (w *writeTransfer) handleChunk(c *chunk.Chunk) {
	w.observeRoundTrip()
	w.responseTimer.Stop()
	w.metrics.ChunkReceived(w.dir.String())

	if c.GetOffset() < w.offset {
		w.logger.Info("device requested rollback",
			zap.Uint32("transfer_id", w.id()),
			zap.Uint64("from_offset", w.offset),
			zap.Uint64("to_offset", c.GetOffset()),
		)
	}
	w.offset = c.GetOffset()

	payload := w.dataOf()
	if w.offset > uint64(len(payload)) {
		w.sendOrFail(chunk.NewTerminator(w.id(), chunk.StatusOutOfRange))
		w.finish(chunk.StatusOutOfRange)
		return
	}

	remaining := uint64(len(payload)) - w.offset
	pending := c.GetPendingBytes()
	if pending < remaining {
		w.maxBytesToSend = pending
	} else {
		w.maxBytesToSend = remaining
	}

	if c.MaxChunkSizeBytes != nil {
		w.maxChunkSize = c.GetMaxChunkSizeBytes()
	}
	if c.MinDelayMicroseconds != nil {
		d := c.GetMinDelayMicroseconds()
		w.chunkDelayUs = &d
	}

	for w.maxBytesToSend > 0 {
		next := w.nextChunk(payload)
		n := uint64(len(next.Data))
		if !w.sendOrFail(next) {
			return
		}
		w.offset += n
		w.maxBytesToSend -= n
		w.metrics.BytesTransferred(w.dir.String(), int(n))

		if w.chunkDelayUs != nil && *w.chunkDelayUs > 0 {
			time.Sleep(time.Duration(*w.chunkDelayUs) * time.Microsecond)
		}
	}

	w.responseTimer.Start(w.responseTimeout)
}

// nextChunk builds the next outgoing data chunk, sized to whichever is
// smallest of: what's left of the payload, what's left of the device's
// current window, and the device's requested max chunk size. A max chunk
// size of zero is treated as "no limit" on chunk size, bounded only by the
// window.
func (w *writeTransfer) nextChunk(payload []byte) *chunk.Chunk {
	n := w.maxBytesToSend
	if w.maxChunkSize != 0 && uint64(w.maxChunkSize) < n {
		n = uint64(w.maxChunkSize)
	}
	if remaining := uint64(len(payload)) - w.offset; n > remaining {
		n = remaining
	}
	final := w.offset+n >= uint64(len(payload))
	return chunk.NewData(w.id(), w.offset, payload[w.offset:w.offset+n], final)
}

func (w *writeTransfer) snapshot() TransferSnapshot {
	return TransferSnapshot{
		ID:        w.id(),
		Direction: w.dir.String(),
		Offset:    w.offset,
		Status:    w.statusOf().String(),
		Done:      isClosed(w.waitDone()),
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
