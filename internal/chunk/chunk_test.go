package chunk

import (
	"bytes"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	delay := uint64(500)
	original := &Chunk{
		TransferID:           7,
		Offset:               u64(128),
		Data:                 []byte("hello"),
		PendingBytes:         u64(4096),
		MaxChunkSizeBytes:    u32(1024),
		MinDelayMicroseconds: &delay,
	}

	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.TransferID != original.TransferID {
		t.Fatalf("transfer id mismatch: got %d want %d", decoded.TransferID, original.TransferID)
	}
	if decoded.GetOffset() != original.GetOffset() {
		t.Fatalf("offset mismatch: got %d want %d", decoded.GetOffset(), original.GetOffset())
	}
	if !bytes.Equal(decoded.Data, original.Data) {
		t.Fatalf("data mismatch: got %q want %q", decoded.Data, original.Data)
	}
	if decoded.GetPendingBytes() != original.GetPendingBytes() {
		t.Fatalf("pending_bytes mismatch")
	}
	if decoded.GetMaxChunkSizeBytes() != original.GetMaxChunkSizeBytes() {
		t.Fatalf("max_chunk_size_bytes mismatch")
	}
	if decoded.GetMinDelayMicroseconds() != original.GetMinDelayMicroseconds() {
		t.Fatalf("min_delay_microseconds mismatch")
	}
	if decoded.HasRemainingBytes() {
		t.Fatalf("remaining_bytes should be unset")
	}
	if decoded.IsTerminating() {
		t.Fatalf("chunk should not be terminating")
	}
}

func TestUnsetFieldsStayNil(t *testing.T) {
	c := NewAnnounce(1)
	encoded, err := Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Offset != nil || decoded.PendingBytes != nil || decoded.Data != nil {
		t.Fatalf("expected only transfer_id to be set, got %+v", decoded)
	}
}

func TestTerminatingChunkRoundTrip(t *testing.T) {
	c := NewTerminator(3, StatusOutOfRange)
	encoded, err := Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.IsTerminating() {
		t.Fatalf("expected terminating chunk")
	}
	if decoded.GetStatus() != StatusOutOfRange {
		t.Fatalf("status mismatch: got %v want %v", decoded.GetStatus(), StatusOutOfRange)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		c    *Chunk
		want Role
	}{
		{"terminator wins over pending_bytes", &Chunk{TransferID: 1, Status: i32(0), PendingBytes: u64(10)}, RoleTerminator},
		{"parameters", NewParameters(1, 0, 8192, 1024, nil), RoleParameters},
		{"data", NewData(1, 0, []byte("x"), false), RoleData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.c)
			if got.Role != tc.want {
				t.Fatalf("got role %v want %v", got.Role, tc.want)
			}
		})
	}
}

func TestStatusOpaquePassthrough(t *testing.T) {
	s := StatusFromCode(9001)
	if s.Ok() {
		t.Fatalf("unexpected ok status")
	}
	if s.String() == "" {
		t.Fatalf("expected non-empty string rendering")
	}
	if s.Code() != 9001 {
		t.Fatalf("code mismatch")
	}
}
