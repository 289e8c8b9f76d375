package transfer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
)

func shortTimeoutManager(svc Service, opts ...Option) *Manager {
	base := []Option{WithResponseTimeout(50 * time.Millisecond)}
	return NewManager(svc, append(base, opts...)...)
}

// S1: single-chunk write, whole payload fits in the first window.
func TestWriteSingleChunk(t *testing.T) {
	payload := []byte("hello, device")
	svc := &fakeService{writeDevice: deviceWriteHappyPath(payload, 0)}
	m := shortTimeoutManager(svc)
	defer m.Close()

	if err := m.Write(1, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// S2: multi-chunk write, window covers the whole payload but max chunk
// size forces several data chunks.
func TestWriteMultiChunk(t *testing.T) {
	payload := bytes.Repeat([]byte("abcd"), 50) // 200 bytes
	svc := &fakeService{writeDevice: deviceWriteHappyPath(payload, 16)}
	m := shortTimeoutManager(svc)
	defer m.Close()

	if err := m.Write(2, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// S3: device asks for a rollback to offset 0 before accepting data.
func TestWriteRollback(t *testing.T) {
	payload := []byte("rollback me please")
	svc := &fakeService{writeDevice: deviceWriteRollback(payload)}
	m := shortTimeoutManager(svc)
	defer m.Close()

	if err := m.Write(3, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// S4: device claims a resume offset beyond the payload's length.
func TestWriteBadOffsetIsOutOfRange(t *testing.T) {
	payload := []byte("short")
	svc := &fakeService{writeDevice: deviceWriteBadOffset(payload)}
	m := shortTimeoutManager(svc)
	defer m.Close()

	err := m.Write(4, payload)
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if terr.Status != chunk.StatusOutOfRange {
		t.Fatalf("expected OUT_OF_RANGE, got %v", terr.Status)
	}
}

// S5: in-order read across several data chunks.
func TestReadInOrder(t *testing.T) {
	want := bytes.Repeat([]byte("xyz123"), 30)
	svc := &fakeService{readDevice: deviceReadHappyPath(want)}
	m := shortTimeoutManager(svc, WithMaxChunkSize(17))
	defer m.Close()

	got, err := m.Read(5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("data mismatch: got %d bytes want %d bytes", len(got), len(want))
	}
}

// S6: an out-of-sequence chunk forces reparameterization, and the read
// still completes correctly afterward.
func TestReadGapReparameterizes(t *testing.T) {
	want := bytes.Repeat([]byte("gapfix"), 10)
	svc := &fakeService{readDevice: deviceReadGapThenFix(want)}
	m := shortTimeoutManager(svc)
	defer m.Close()

	got, err := m.Read(6)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("data mismatch after gap recovery")
	}
}

// S7: a device that never responds exhausts retries and the read finishes
// with DEADLINE_EXCEEDED after exactly max_retries+1 parameter chunks.
func TestReadRetryExhaustion(t *testing.T) {
	svc := &fakeService{readDevice: deviceSilent()}
	m := NewManager(svc, WithResponseTimeout(10*time.Millisecond), WithMaxRetries(2))
	defer m.Close()

	start := time.Now()
	_, err := m.Read(7)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("retry exhaustion took too long")
	}

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if terr.Status != chunk.StatusDeadlineExceeded {
		t.Fatalf("expected DEADLINE_EXCEEDED, got %v", terr.Status)
	}
}

func TestFailedPreconditionReopensStream(t *testing.T) {
	want := []byte("recovered after reopen")
	svc := &fakeService{}
	// The read resends its parameters over the reopened stream on its next
	// response timeout, so the timeout has to be short enough for that
	// retry to land inside the wait below.
	m := NewManager(svc, WithResponseTimeout(50*time.Millisecond))
	defer m.Close()

	resultCh := make(chan error, 1)
	go func() {
		got, err := m.Read(8)
		if err == nil && !bytes.Equal(got, want) {
			err = errors.New("data mismatch")
		}
		resultCh <- err
	}()

	// Wait for the first OpenRead to happen, then simulate the device
	// resetting the stream.
	deadline := time.Now().Add(time.Second)
	for {
		svc.mu.Lock()
		opened := svc.readOpens
		onErr := svc.lastReadOnError
		svc.mu.Unlock()
		if opened >= 1 && onErr != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for read stream to open")
		}
		time.Sleep(time.Millisecond)
	}

	svc.mu.Lock()
	svc.readDevice = deviceReadHappyPath(want)
	onErr := svc.lastReadOnError
	svc.mu.Unlock()
	onErr(chunk.StatusFailedPrecondition)

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("Read after reopen: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read to complete after reopen")
	}

	svc.mu.Lock()
	opens := svc.readOpens
	svc.mu.Unlock()
	if opens < 2 {
		t.Fatalf("expected stream to be reopened, got %d opens", opens)
	}
}

func TestOtherStreamErrorFailsInFlightTransfers(t *testing.T) {
	svc := &fakeService{}
	m := NewManager(svc, WithResponseTimeout(time.Hour))
	defer m.Close()

	resultCh := make(chan error, 1)
	go func() {
		_, err := m.Read(9)
		resultCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for {
		svc.mu.Lock()
		onErr := svc.lastReadOnError
		svc.mu.Unlock()
		if onErr != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for read stream to open")
		}
		time.Sleep(time.Millisecond)
	}

	svc.mu.Lock()
	onErr := svc.lastReadOnError
	svc.mu.Unlock()
	onErr(chunk.StatusInternal)

	select {
	case err := <-resultCh:
		var terr *Error
		if !errors.As(err, &terr) || terr.Status != chunk.StatusInternal {
			t.Fatalf("expected INTERNAL error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failure")
	}
}

func TestCloseCancelsInFlightTransfers(t *testing.T) {
	svc := &fakeService{readDevice: deviceSilent()}
	m := NewManager(svc, WithResponseTimeout(time.Hour))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Read(10)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case err := <-errCh:
		var terr *Error
		if !errors.As(err, &terr) || terr.Status != chunk.StatusCancelled {
			t.Fatalf("expected CANCELLED, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
}

func TestDuplicateTransferIDRejected(t *testing.T) {
	svc := &fakeService{writeDevice: deviceSilent()}
	m := shortTimeoutManager(svc, WithResponseTimeout(time.Hour))
	defer m.Close()

	go m.Write(11, []byte("payload"))
	time.Sleep(20 * time.Millisecond)

	if err := m.Write(11, []byte("again")); err == nil {
		t.Fatalf("expected error registering duplicate transfer id")
	}
}

func TestSnapshotReflectsInFlightTransfers(t *testing.T) {
	svc := &fakeService{writeDevice: deviceSilent()}
	m := shortTimeoutManager(svc, WithResponseTimeout(time.Hour))
	defer m.Close()

	go m.Write(12, []byte("payload"))
	deadline := time.Now().Add(time.Second)
	for {
		snap := m.Snapshot()
		if len(snap) == 1 && snap[0].ID == 12 && snap[0].Direction == "write" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transfer never appeared in snapshot: %+v", snap)
		}
		time.Sleep(time.Millisecond)
	}
}
