package transfer

import (
	"fmt"

	"github.com/greenfield-labs/bulktransfer/internal/chunk"
)

// Error is the failure Read and Write raise when a transfer finishes with
// a non-OK status. Callers see only this and the successful return value;
// there is no other caller-visible error channel.
type Error struct {
	TransferID uint32
	Status     chunk.Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer %d failed with status %s", e.TransferID, e.Status)
}
