// Package chunk defines the wire message exchanged between a bulk-transfer
// client and a device-side server, and the status codes that terminate a
// transfer.
package chunk

import "fmt"

// Status is the outcome of a transfer, or of a single RPC stream. It unions
// a small set of known codes with an opaque pass-through for any code a
// server sends that this client doesn't otherwise recognize.
type Status struct {
	code  int32
	known string
}

// Known status values. These mirror the small set of RPC status codes the
// transfer protocol actually produces; any other server-supplied code
// round-trips through Status as an opaque numeric value.
var (
	StatusOK                 = Status{code: 0, known: "OK"}
	StatusCancelled          = Status{code: 1, known: "CANCELLED"}
	StatusDeadlineExceeded   = Status{code: 4, known: "DEADLINE_EXCEEDED"}
	StatusOutOfRange         = Status{code: 11, known: "OUT_OF_RANGE"}
	StatusFailedPrecondition = Status{code: 9, known: "FAILED_PRECONDITION"}
	StatusInternal           = Status{code: 13, known: "INTERNAL"}
)

var knownByCode = map[int32]string{
	StatusOK.code:                 StatusOK.known,
	StatusCancelled.code:          StatusCancelled.known,
	StatusDeadlineExceeded.code:   StatusDeadlineExceeded.known,
	StatusFailedPrecondition.code: StatusFailedPrecondition.known,
	StatusOutOfRange.code:         StatusOutOfRange.known,
	StatusInternal.code:           StatusInternal.known,
}

// StatusFromCode wraps an arbitrary server-supplied status code. Codes this
// client recognizes get their name; anything else passes through as a
// numeric status that still satisfies the Status contract.
func StatusFromCode(code int32) Status {
	if name, ok := knownByCode[code]; ok {
		return Status{code: code, known: name}
	}
	return Status{code: code}
}

// Code returns the raw numeric status code.
func (s Status) Code() int32 { return s.code }

// Ok reports whether the status represents successful completion. True
// only for StatusOK.
func (s Status) Ok() bool { return s.code == StatusOK.code }

func (s Status) String() string {
	if s.known != "" {
		return s.known
	}
	return fmt.Sprintf("STATUS(%d)", s.code)
}
