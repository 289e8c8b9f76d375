package transfer

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
	"github.com/greenfield-labs/bulktransfer/internal/observability"
)

const (
	defaultResponseTimeout   = 2 * time.Second
	defaultMaxRetries        = 3
	defaultMaxBytesToReceive = 8192
	defaultMaxChunkSize      = 1024
)

// Option configures a Manager at construction time.
type Option func(*managerOptions)

type managerOptions struct {
	responseTimeout   time.Duration
	maxRetries        int
	maxBytesToReceive uint64
	maxChunkSize      uint32
	chunkDelayUs      *uint64
	logger            *observability.Logger
	metrics           *observability.Metrics
	onUpdate          func(TransferSnapshot)
}

func WithResponseTimeout(d time.Duration) Option {
	return func(o *managerOptions) { o.responseTimeout = d }
}

func WithMaxRetries(n int) Option { return func(o *managerOptions) { o.maxRetries = n } }

func WithMaxBytesToReceive(n uint64) Option {
	return func(o *managerOptions) { o.maxBytesToReceive = n }
}

func WithMaxChunkSize(n uint32) Option { return func(o *managerOptions) { o.maxChunkSize = n } }

func WithChunkDelay(us uint64) Option { return func(o *managerOptions) { o.chunkDelayUs = &us } }

func WithLogger(l *observability.Logger) Option { return func(o *managerOptions) { o.logger = l } }

func WithMetrics(m *observability.Metrics) Option { return func(o *managerOptions) { o.metrics = m } }

// WithUpdateHook registers a callback the Manager invokes, on the scheduler
// goroutine, after it finishes processing any event that changed a
// transfer's state. Used to feed the debug console's live view.
func WithUpdateHook(f func(TransferSnapshot)) Option {
	return func(o *managerOptions) { o.onUpdate = f }
}

type timeoutEvent struct {
	dir        direction
	id         uint32
	generation uint64
}

type streamErrorEvent struct {
	dir    direction
	status chunk.Status
}

// Manager owns the two RPC streams (one per direction) and every in-flight
// transfer multiplexed onto them. All transfer state mutation happens on a
// single scheduler goroutine. Read and Write register the transfer (and open
// its direction's stream if needed) under the registry mutex, post it onto
// the Manager's queue, and block on that transfer's own done signal; the
// callbacks Service invokes from RPC runtime goroutines only ever post
// events onto the Manager's queues.
type Manager struct {
	service Service

	responseTimeout   time.Duration
	maxRetries        int
	maxBytesToReceive uint64
	maxChunkSize      uint32
	chunkDelayUs      *uint64

	logger  *observability.Logger
	metrics *observability.Metrics

	onUpdate func(TransferSnapshot)

	mu             sync.Mutex
	readTransfers  map[uint32]transfer
	writeTransfers map[uint32]transfer
	readStream     Stream
	writeStream    Stream

	newTransferCh chan transfer
	readChunkCh   chan *chunk.Chunk
	writeChunkCh  chan *chunk.Chunk
	timeoutCh     chan timeoutEvent
	streamErrCh   chan streamErrorEvent
	quitCh        chan struct{}
	stoppedCh     chan struct{}
}

// NewManager constructs a Manager bound to service and starts its scheduler
// goroutine. Close must be called to stop it.
func NewManager(service Service, opts ...Option) *Manager {
	o := managerOptions{
		responseTimeout:   defaultResponseTimeout,
		maxRetries:        defaultMaxRetries,
		maxBytesToReceive: defaultMaxBytesToReceive,
		maxChunkSize:      defaultMaxChunkSize,
		logger:            observability.NewNopLogger(),
		metrics:           observability.NewMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		service:           service,
		responseTimeout:   o.responseTimeout,
		maxRetries:        o.maxRetries,
		maxBytesToReceive: o.maxBytesToReceive,
		maxChunkSize:      o.maxChunkSize,
		chunkDelayUs:      o.chunkDelayUs,
		logger:            o.logger,
		metrics:           o.metrics,
		onUpdate:          o.onUpdate,
		readTransfers:     make(map[uint32]transfer),
		writeTransfers:    make(map[uint32]transfer),
		newTransferCh:     make(chan transfer),
		readChunkCh:       make(chan *chunk.Chunk, 16),
		writeChunkCh:      make(chan *chunk.Chunk, 16),
		timeoutCh:         make(chan timeoutEvent, 16),
		streamErrCh:       make(chan streamErrorEvent, 4),
		quitCh:            make(chan struct{}),
		stoppedCh:         make(chan struct{}),
	}
	go m.run()
	return m
}

// Read pulls the full contents of transferID from the device and returns
// them. It blocks until the transfer finishes, fails, or the Manager is
// closed.
func (m *Manager) Read(id uint32) ([]byte, error) {
	t, err := m.registerRead(id)
	if err != nil {
		return nil, err
	}
	m.newTransferCh <- t
	<-t.waitDone()
	if st := t.statusOf(); !st.Ok() {
		return nil, &Error{TransferID: id, Status: st}
	}
	return t.dataOf(), nil
}

// Write pushes payload to the device as transferID. It blocks until the
// transfer finishes, fails, or the Manager is closed.
func (m *Manager) Write(id uint32, payload []byte) error {
	t, err := m.registerWrite(id, payload)
	if err != nil {
		return err
	}
	m.newTransferCh <- t
	<-t.waitDone()
	if st := t.statusOf(); !st.Ok() {
		return &Error{TransferID: id, Status: st}
	}
	return nil
}

// Close cancels every in-flight transfer with CANCELLED and stops the
// scheduler goroutine. It blocks until shutdown completes.
func (m *Manager) Close() {
	close(m.quitCh)
	<-m.stoppedCh
}

// Snapshot returns a point-in-time view of every transfer still registered.
func (m *Manager) Snapshot() []TransferSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransferSnapshot, 0, len(m.readTransfers)+len(m.writeTransfers))
	for _, t := range m.readTransfers {
		out = append(out, t.snapshot())
	}
	for _, t := range m.writeTransfers {
		out = append(out, t.snapshot())
	}
	return out
}

func (m *Manager) registerRead(id uint32) (transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.readTransfers[id]; exists {
		return nil, fmt.Errorf("transfer: read %d already in progress", id)
	}
	if m.readStream == nil {
		s, err := m.service.OpenRead(m.onReadChunk, m.onReadError)
		if err != nil {
			return nil, fmt.Errorf("transfer: open read stream: %w", err)
		}
		m.readStream = s
	}

	rt := newReadTransfer(
		id,
		m.sendReadChunk,
		m.endReadTransfer,
		func(gen uint64) { m.timeoutCh <- timeoutEvent{dir: DirectionRead, id: id, generation: gen} },
		m.responseTimeout,
		m.maxRetries,
		m.maxBytesToReceive,
		m.maxChunkSize,
		m.chunkDelayUs,
		m.logger,
		m.metrics,
	)
	m.readTransfers[id] = rt
	return rt, nil
}

func (m *Manager) registerWrite(id uint32, payload []byte) (transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.writeTransfers[id]; exists {
		return nil, fmt.Errorf("transfer: write %d already in progress", id)
	}
	if m.writeStream == nil {
		s, err := m.service.OpenWrite(m.onWriteChunk, m.onWriteError)
		if err != nil {
			return nil, fmt.Errorf("transfer: open write stream: %w", err)
		}
		m.writeStream = s
	}

	wt := newWriteTransfer(
		id,
		payload,
		m.sendWriteChunk,
		m.endWriteTransfer,
		func(gen uint64) { m.timeoutCh <- timeoutEvent{dir: DirectionWrite, id: id, generation: gen} },
		m.responseTimeout,
		m.logger,
		m.metrics,
	)
	m.writeTransfers[id] = wt
	return wt, nil
}

func (m *Manager) sendReadChunk(c *chunk.Chunk) error {
	m.mu.Lock()
	s := m.readStream
	m.mu.Unlock()
	if s == nil {
		return fmt.Errorf("transfer: read stream not open")
	}
	return s.Send(c)
}

func (m *Manager) sendWriteChunk(c *chunk.Chunk) error {
	m.mu.Lock()
	s := m.writeStream
	m.mu.Unlock()
	if s == nil {
		return fmt.Errorf("transfer: write stream not open")
	}
	return s.Send(c)
}

func (m *Manager) endReadTransfer(id uint32) {
	m.mu.Lock()
	delete(m.readTransfers, id)
	m.mu.Unlock()
}

func (m *Manager) endWriteTransfer(id uint32) {
	m.mu.Lock()
	delete(m.writeTransfers, id)
	m.mu.Unlock()
}

// onReadChunk and onWriteChunk are invoked by the Service implementation
// from whatever goroutine the RPC runtime delivers messages on. They only
// ever forward onto a channel the scheduler goroutine owns.
func (m *Manager) onReadChunk(c *chunk.Chunk)  { m.readChunkCh <- c }
func (m *Manager) onWriteChunk(c *chunk.Chunk) { m.writeChunkCh <- c }

func (m *Manager) onReadError(status chunk.Status) {
	m.streamErrCh <- streamErrorEvent{dir: DirectionRead, status: status}
}

func (m *Manager) onWriteError(status chunk.Status) {
	m.streamErrCh <- streamErrorEvent{dir: DirectionWrite, status: status}
}

// run is the single-threaded scheduler loop: every transfer mutation in
// this package happens inside one of these select cases, so no two
// transfer operations ever execute concurrently.
func (m *Manager) run() {
	defer close(m.stoppedCh)
	for {
		select {
		case <-m.quitCh:
			m.shutdown()
			return
		case t := <-m.newTransferCh:
			t.begin()
			m.notifyUpdate(t)
		case c := <-m.readChunkCh:
			m.dispatch(DirectionRead, c)
		case c := <-m.writeChunkCh:
			m.dispatch(DirectionWrite, c)
		case ev := <-m.timeoutCh:
			m.dispatchTimeout(ev)
		case ev := <-m.streamErrCh:
			m.handleStreamError(ev)
		}
	}
}

func (m *Manager) registryFor(dir direction) map[uint32]transfer {
	if dir == DirectionRead {
		return m.readTransfers
	}
	return m.writeTransfers
}

func (m *Manager) lookup(dir direction, id uint32) transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registryFor(dir)[id]
}

func (m *Manager) dispatch(dir direction, c *chunk.Chunk) {
	t := m.lookup(dir, c.TransferID)
	if t == nil {
		m.logger.Warn("chunk for unknown transfer", zap.String("direction", dir.String()), zap.Uint32("transfer_id", c.TransferID))
		return
	}
	if c.IsTerminating() {
		t.finish(c.GetStatus())
	} else {
		t.handleChunk(c)
	}
	m.notifyUpdate(t)
}

func (m *Manager) dispatchTimeout(ev timeoutEvent) {
	t := m.lookup(ev.dir, ev.id)
	if t == nil {
		// Stray fire racing a Stop that already happened; the transfer is
		// already done and gone from the registry.
		return
	}
	if ev.generation != t.timerGeneration() {
		// Stale fire from a timer already Stop'd and restarted; the
		// generation it carried no longer matches the live one.
		return
	}
	t.onTimeout()
	m.notifyUpdate(t)
}

// handleStreamError runs the Manager-level recovery policy for a stream
// failure: FAILED_PRECONDITION means the device reset the stream and it can
// simply be reopened, leaving outstanding transfers registered. A read
// transfer resends its parameters over the new stream on its next timeout;
// a write transfer waits for the device's next parameters chunk and
// finishes with DEADLINE_EXCEEDED if none arrives in time. Any other status
// means the stream itself is unusable, so every transfer using it fails
// immediately.
func (m *Manager) handleStreamError(ev streamErrorEvent) {
	if ev.status == chunk.StatusFailedPrecondition {
		m.reopenStream(ev.dir)
		return
	}
	m.logger.Warn("stream failed, cancelling in-flight transfers",
		zap.String("direction", ev.dir.String()),
		zap.String("status", ev.status.String()),
	)
	m.failAll(ev.dir, chunk.StatusInternal)
}

func (m *Manager) reopenStream(dir direction) {
	var stream Stream
	var err error
	if dir == DirectionRead {
		stream, err = m.service.OpenRead(m.onReadChunk, m.onReadError)
	} else {
		stream, err = m.service.OpenWrite(m.onWriteChunk, m.onWriteError)
	}
	if err != nil {
		m.logger.Error("failed to reopen stream", zap.String("direction", dir.String()), zap.Error(err))
		m.failAll(dir, chunk.StatusInternal)
		return
	}

	m.mu.Lock()
	if dir == DirectionRead {
		m.readStream = stream
	} else {
		m.writeStream = stream
	}
	m.mu.Unlock()
	m.metrics.StreamReopened(dir.String())
}

// failAll finishes every transfer in dir's registry with status. The
// registry is cleared and snapshotted under the lock, then finish is called
// outside it — finish's endTransfer callback re-acquires the lock to delete
// an already-absent entry, which is a harmless no-op, but calling finish
// while still holding the lock would deadlock on it.
func (m *Manager) failAll(dir direction, status chunk.Status) {
	m.mu.Lock()
	reg := m.registryFor(dir)
	transfers := make([]transfer, 0, len(reg))
	for _, t := range reg {
		transfers = append(transfers, t)
	}
	for id := range reg {
		delete(reg, id)
	}
	if dir == DirectionRead {
		m.readStream = nil
	} else {
		m.writeStream = nil
	}
	m.mu.Unlock()

	for _, t := range transfers {
		t.finish(status)
	}
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	all := make([]transfer, 0, len(m.readTransfers)+len(m.writeTransfers))
	for _, t := range m.readTransfers {
		all = append(all, t)
	}
	for _, t := range m.writeTransfers {
		all = append(all, t)
	}
	m.readTransfers = map[uint32]transfer{}
	m.writeTransfers = map[uint32]transfer{}
	m.readStream = nil
	m.writeStream = nil
	m.mu.Unlock()

	for _, t := range all {
		t.finish(chunk.StatusCancelled)
	}
}

func (m *Manager) notifyUpdate(t transfer) {
	if m.onUpdate != nil {
		m.onUpdate(t.snapshot())
	}
}
