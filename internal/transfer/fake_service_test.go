package transfer

import (
	"fmt"
	"sync"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
)

// fakeStream records every chunk sent on it and, unless the test wants to
// simulate a hung peer, hands each one to a device callback synchronously so
// the fake's response lands back on the Manager's queues before Send
// returns.
type fakeStream struct {
	mu      sync.Mutex
	sent    []*chunk.Chunk
	onSend  func(*chunk.Chunk)
	failing bool
}

func (s *fakeStream) Send(c *chunk.Chunk) error {
	s.mu.Lock()
	if s.failing {
		s.mu.Unlock()
		return fmt.Errorf("fakeStream: send failed")
	}
	s.sent = append(s.sent, c)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return nil
}

func (s *fakeStream) sentChunks() []*chunk.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chunk.Chunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// device is the shape of the scripted peer behavior a test installs: given
// an outgoing chunk and the callback that delivers a reply, it decides what
// (if anything) to send back.
type device func(out *chunk.Chunk, onChunk func(*chunk.Chunk))

// fakeService is a Service whose two streams are driven by scripted device
// functions instead of a real RPC transport.
type fakeService struct {
	mu sync.Mutex

	readDevice  device
	writeDevice device

	readOpens  int
	writeOpens int

	lastReadOnError  func(chunk.Status)
	lastWriteOnError func(chunk.Status)

	failOpen bool
}

func (s *fakeService) OpenRead(onChunk func(*chunk.Chunk), onError func(chunk.Status)) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOpen {
		return nil, fmt.Errorf("fakeService: open read refused")
	}
	s.readOpens++
	s.lastReadOnError = onError
	dev := s.readDevice
	st := &fakeStream{}
	st.onSend = func(c *chunk.Chunk) {
		if dev != nil {
			dev(c, onChunk)
		}
	}
	return st, nil
}

func (s *fakeService) OpenWrite(onChunk func(*chunk.Chunk), onError func(chunk.Status)) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOpen {
		return nil, fmt.Errorf("fakeService: open write refused")
	}
	s.writeOpens++
	s.lastWriteOnError = onError
	dev := s.writeDevice
	st := &fakeStream{}
	st.onSend = func(c *chunk.Chunk) {
		if dev != nil {
			dev(c, onChunk)
		}
	}
	return st, nil
}

// --- scripted write-side devices ---

// deviceWriteHappyPath grants the whole payload in one window with the
// given max chunk size (0 meaning unlimited) and acks the final chunk.
func deviceWriteHappyPath(payload []byte, maxChunkSize uint32) device {
	return func(out *chunk.Chunk, onChunk func(*chunk.Chunk)) {
		if out.Data == nil {
			onChunk(chunk.NewParameters(out.TransferID, 0, uint64(len(payload)), maxChunkSize, nil))
			return
		}
		if out.HasRemainingBytes() && out.GetRemainingBytes() == 0 {
			onChunk(chunk.NewTerminator(out.TransferID, chunk.StatusOK))
		}
	}
}

// deviceWriteRollback acks the announce, then on the first data chunk
// pretends it lost the data and asks for a resend from the start before
// finally accepting the retransmission.
func deviceWriteRollback(payload []byte) device {
	seenData := 0
	return func(out *chunk.Chunk, onChunk func(*chunk.Chunk)) {
		if out.Data == nil {
			onChunk(chunk.NewParameters(out.TransferID, 0, uint64(len(payload)), 0, nil))
			return
		}
		seenData++
		if seenData == 1 {
			onChunk(chunk.NewParameters(out.TransferID, 0, uint64(len(payload)), 0, nil))
			return
		}
		if out.HasRemainingBytes() && out.GetRemainingBytes() == 0 {
			onChunk(chunk.NewTerminator(out.TransferID, chunk.StatusOK))
		}
	}
}

// deviceWriteBadOffset claims a resume offset past the end of the payload.
func deviceWriteBadOffset(payload []byte) device {
	return func(out *chunk.Chunk, onChunk func(*chunk.Chunk)) {
		if out.Data == nil {
			onChunk(chunk.NewParameters(out.TransferID, uint64(len(payload))+100, 4096, 0, nil))
		}
	}
}

// --- scripted read-side devices ---

// deviceReadHappyPath serves data strictly in order honoring whatever
// window and max chunk size the client last advertised.
func deviceReadHappyPath(data []byte) device {
	return func(out *chunk.Chunk, onChunk func(*chunk.Chunk)) {
		offset := out.GetOffset()
		maxChunk := uint64(out.GetMaxChunkSizeBytes())
		if maxChunk == 0 {
			maxChunk = uint64(len(data))
		}
		end := offset + out.GetPendingBytes()
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		for offset < end {
			n := maxChunk
			if offset+n > end {
				n = end - offset
			}
			final := offset+n >= uint64(len(data))
			onChunk(chunk.NewData(out.TransferID, offset, data[offset:offset+n], final))
			offset += n
		}
	}
}

// deviceReadGapThenFix sends one out-of-sequence chunk before behaving
// correctly on the reparameterization that should follow.
func deviceReadGapThenFix(data []byte) device {
	round := 0
	return func(out *chunk.Chunk, onChunk func(*chunk.Chunk)) {
		round++
		if round == 1 {
			mid := uint64(len(data) / 2)
			onChunk(chunk.NewData(out.TransferID, mid, data[mid:], true))
			return
		}
		offset := out.GetOffset()
		onChunk(chunk.NewData(out.TransferID, offset, data[offset:], true))
	}
}

// deviceSilent never responds, for exercising response-timeout paths.
func deviceSilent() device {
	return func(out *chunk.Chunk, onChunk func(*chunk.Chunk)) {}
}
