// Package transfer implements the client side of the chunked bulk-transfer
// protocol: per-transfer state machines driven by a single-threaded
// scheduler, and the Manager that owns the registries, streams, and public
// Read/Write entry points.
package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
	"github.com/greenfield-labs/bulktransfer/internal/observability"
	"github.com/greenfield-labs/bulktransfer/internal/timer"
)

// direction distinguishes a read transfer (device -> client) from a write
// transfer (client -> device). Each direction has its own stream and
// registry.
type direction int

const (
	DirectionRead direction = iota
	DirectionWrite
)

func (d direction) String() string {
	if d == DirectionRead {
		return "read"
	}
	return "write"
}

// Stream is a single open bidirectional RPC stream for one direction.
// Incoming chunks are delivered out of band via the onChunk/onError
// callbacks passed to Service.OpenRead/OpenWrite; Stream itself only sends.
type Stream interface {
	Send(c *chunk.Chunk) error
}

// Service opens the read and write streams a Manager multiplexes transfers
// onto. A concrete implementation (see internal/rpctransport) adapts this to
// a real RPC transport; tests can supply an in-process fake.
type Service interface {
	OpenRead(onChunk func(*chunk.Chunk), onError func(chunk.Status)) (Stream, error)
	OpenWrite(onChunk func(*chunk.Chunk), onError func(chunk.Status)) (Stream, error)
}

// TransferSnapshot is a point-in-time, read-only view of one in-flight
// transfer, for introspection (the debug console, tests).
type TransferSnapshot struct {
	ID                    uint32
	Direction             string
	Offset                uint64
	Status                string
	Done                  bool
	RemainingTransferSize uint64 // 0 if never advertised by the device; advisory, read transfers only
}

// transfer is the common behavior the Manager drives every registered
// transfer through. It is unexported: outside this package, transfers are
// only ever observed through Manager's public API and TransferSnapshot.
type transfer interface {
	id() uint32
	begin()
	handleChunk(c *chunk.Chunk)
	onTimeout()
	timerGeneration() uint64
	finish(status chunk.Status)
	waitDone() <-chan struct{}
	statusOf() chunk.Status
	dataOf() []byte
	snapshot() TransferSnapshot
}

// base holds the state and finish/done machinery shared by read and write
// transfers. It owns the transfer's response timer and the one-shot done
// signal observable from the calling thread, but never touches the
// Manager's registries directly — that happens through the endTransfer
// callback so base has no dependency on Manager's internals.
type base struct {
	transferID  uint32
	dir         direction
	traceID     uint64
	sendChunk   func(c *chunk.Chunk) error
	endTransfer func(id uint32)

	mu     sync.Mutex
	status chunk.Status
	data   []byte

	doneCh   chan struct{}
	doneOnce sync.Once

	responseTimer *timer.Timer
	sentAt        time.Time

	logger  *observability.Logger
	metrics *observability.Metrics
}

func newBase(
	id uint32,
	dir direction,
	initialData []byte,
	sendChunk func(c *chunk.Chunk) error,
	endTransfer func(id uint32),
	postTimeout func(generation uint64),
	logger *observability.Logger,
	metrics *observability.Metrics,
) *base {
	b := &base{
		transferID:  id,
		dir:         dir,
		traceID:     xxhash.Sum64String(fmt.Sprintf("%s-%d", dir, id)),
		sendChunk:   sendChunk,
		endTransfer: endTransfer,
		data:        initialData,
		doneCh:      make(chan struct{}),
		logger:      logger,
		metrics:     metrics,
	}
	b.responseTimer = timer.New(postTimeout)
	return b
}

func (b *base) id() uint32 { return b.transferID }

// timerGeneration returns the response timer's current generation, so the
// scheduler can tell a stale timer fire (from a since-superseded Start)
// apart from one that still corresponds to the outstanding wait.
func (b *base) timerGeneration() uint64 { return b.responseTimer.CurrentGeneration() }

func (b *base) waitDone() <-chan struct{} { return b.doneCh }

func (b *base) statusOf() chunk.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) dataOf() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *base) appendData(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
}

// finish stops the response timer, records the final status, and closes the
// done channel exactly once. It always runs on the scheduler goroutine.
func (b *base) finish(status chunk.Status) {
	b.doneOnce.Do(func() {
		b.responseTimer.Stop()
		b.mu.Lock()
		b.status = status
		b.mu.Unlock()
		close(b.doneCh)
		b.endTransfer(b.transferID)
		b.metrics.TransferFinished(b.dir.String(), status.String())
		b.logger.Debug("transfer finished",
			zap.Uint32("transfer_id", b.transferID),
			zap.String("direction", b.dir.String()),
			zap.String("status", status.String()),
			zap.Uint64("trace_id", b.traceID),
		)
	})
}

// sendOrFail sends c and, on a local send failure, finishes the transfer
// with INTERNAL rather than leaving it to time out. A send error means the
// stream itself is broken, which the Manager's stream-error path handles
// for every other transfer sharing that stream; this one just needs not to
// hang waiting for a reply that can never arrive.
func (b *base) sendOrFail(c *chunk.Chunk) bool {
	if err := b.sendChunk(c); err != nil {
		b.logger.Warn("send failed, finishing transfer",
			zap.Uint32("transfer_id", b.transferID),
			zap.Error(err),
		)
		b.finish(chunk.StatusInternal)
		return false
	}
	b.sentAt = time.Now()
	b.metrics.ChunkSent(b.dir.String())
	return true
}

// observeRoundTrip records, as chunk round-trip latency, the time since the
// last chunk was sent on this transfer. Called by the scheduler at the top
// of handleChunk/onTimeout — the next observable event after a send. A zero
// sentAt (nothing sent yet) is skipped rather than recorded as a bogus huge
// duration.
func (b *base) observeRoundTrip() {
	if b.sentAt.IsZero() {
		return
	}
	b.metrics.ObserveChunkRoundTrip(b.dir.String(), time.Since(b.sentAt).Seconds())
}
