package chunk

// Chunk is the wire message passed in both directions of a transfer. Every
// field besides TransferID is optional; which fields are set determines the
// chunk's role (parameters, data, or terminator) rather than their values,
// so presence is tracked with pointers instead of zero-value sentinels.
type Chunk struct {
	TransferID uint32

	Offset               *uint64
	Data                 []byte
	PendingBytes         *uint64
	MaxChunkSizeBytes    *uint32
	MinDelayMicroseconds *uint64
	RemainingBytes       *uint64
	Status               *int32
}

// IsTerminating reports whether this chunk carries a status and therefore
// ends the transfer, rather than carrying parameters or data.
func (c *Chunk) IsTerminating() bool { return c.Status != nil }

// GetOffset returns the chunk's offset, or 0 if unset.
func (c *Chunk) GetOffset() uint64 {
	if c.Offset == nil {
		return 0
	}
	return *c.Offset
}

// GetPendingBytes returns the chunk's pending_bytes, or 0 if unset.
func (c *Chunk) GetPendingBytes() uint64 {
	if c.PendingBytes == nil {
		return 0
	}
	return *c.PendingBytes
}

// GetMaxChunkSizeBytes returns the chunk's max_chunk_size_bytes, or 0 if unset.
func (c *Chunk) GetMaxChunkSizeBytes() uint32 {
	if c.MaxChunkSizeBytes == nil {
		return 0
	}
	return *c.MaxChunkSizeBytes
}

// GetMinDelayMicroseconds returns the chunk's min_delay_microseconds, or 0 if unset.
func (c *Chunk) GetMinDelayMicroseconds() uint64 {
	if c.MinDelayMicroseconds == nil {
		return 0
	}
	return *c.MinDelayMicroseconds
}

// HasRemainingBytes reports whether remaining_bytes was set on the wire.
func (c *Chunk) HasRemainingBytes() bool { return c.RemainingBytes != nil }

// GetRemainingBytes returns the chunk's remaining_bytes, or 0 if unset.
func (c *Chunk) GetRemainingBytes() uint64 {
	if c.RemainingBytes == nil {
		return 0
	}
	return *c.RemainingBytes
}

// GetStatus returns the chunk's terminating status. Only meaningful when
// IsTerminating is true.
func (c *Chunk) GetStatus() Status {
	if c.Status == nil {
		return StatusOK
	}
	return StatusFromCode(*c.Status)
}

// Role is the tagged view of a Chunk's intent, computed once on ingress
// instead of being re-derived by repeated field-presence checks at every
// call site (see the "chunk role discrimination" note in the design docs).
type Role int

const (
	// RoleData carries a data payload fragment (possibly empty, on the
	// first chunk of a transfer) toward the receiving side.
	RoleData Role = iota
	// RoleParameters announces or updates a flow-control window.
	RoleParameters
	// RoleTerminator ends the transfer with a status.
	RoleTerminator
)

// RoleAndFields is the tagged, presence-resolved view of an incoming Chunk.
type RoleAndFields struct {
	Role  Role
	Chunk *Chunk
}

// Classify builds the tagged view of an incoming chunk. A chunk with Status
// set is always a terminator, regardless of what else it carries, per the
// wire contract's "exactly one of three roles" convention.
func Classify(c *Chunk) RoleAndFields {
	if c.IsTerminating() {
		return RoleAndFields{Role: RoleTerminator, Chunk: c}
	}
	if c.PendingBytes != nil {
		return RoleAndFields{Role: RoleParameters, Chunk: c}
	}
	return RoleAndFields{Role: RoleData, Chunk: c}
}

func u64(v uint64) *uint64 { return &v }
func u32(v uint32) *uint32 { return &v }
func i32(v int32) *int32   { return &v }

// NewParameters builds a parameters chunk as sent by a read transfer to
// open or re-open a window.
func NewParameters(transferID uint32, offset, pendingBytes uint64, maxChunkSize uint32, chunkDelayUs *uint64) *Chunk {
	c := &Chunk{
		TransferID:        transferID,
		Offset:            u64(offset),
		PendingBytes:      u64(pendingBytes),
		MaxChunkSizeBytes: u32(maxChunkSize),
	}
	if chunkDelayUs != nil {
		c.MinDelayMicroseconds = u64(*chunkDelayUs)
	}
	return c
}

// NewData builds a data chunk carrying a fragment at the given offset.
// final marks the chunk as the last of the transfer (remaining_bytes=0).
func NewData(transferID uint32, offset uint64, data []byte, final bool) *Chunk {
	c := &Chunk{
		TransferID: transferID,
		Offset:     u64(offset),
		Data:       data,
	}
	if final {
		c.RemainingBytes = u64(0)
	}
	return c
}

// NewTerminator builds a terminating chunk carrying the given status.
func NewTerminator(transferID uint32, status Status) *Chunk {
	return &Chunk{TransferID: transferID, Status: i32(status.Code())}
}

// NewAnnounce builds the bare chunk a write transfer sends to announce
// intent, carrying only the transfer ID.
func NewAnnounce(transferID uint32) *Chunk {
	return &Chunk{TransferID: transferID}
}
