package transfer

import (
	"fmt"
	"io"

	"securepeer/models"
)

// Assembler appends chunks to w strictly in sequence. A chunk whose index was
// already applied is a duplicate and is skipped; an index beyond the next expected
// one means data was lost and the stream cannot complete.
type Assembler struct {
	w        io.Writer
	total    int64
	next     uint32
	received int64
}

// NewAssembler returns an Assembler expecting exactly total bytes.
func NewAssembler(w io.Writer, total int64) *Assembler {
	return &Assembler{w: w, total: total}
}

// Apply writes one chunk. It reports whether the chunk was applied.
func (a *Assembler) Apply(index uint32, data []byte) (bool, error) {
	switch {
	case index < a.next:
		return false, nil
	case index > a.next:
		return false, fmt.Errorf("%w: expected chunk %d, got %d", models.ErrIncompleteTransfer, a.next, index)
	}
	if a.received+int64(len(data)) > a.total {
		return false, fmt.Errorf("%w: chunk %d exceeds declared size %d", models.ErrIncompleteTransfer, index, a.total)
	}

	if _, err := a.w.Write(data); err != nil {
		return false, fmt.Errorf("write chunk %d: %w", index, err)
	}
	a.received += int64(len(data))
	a.next++
	return true, nil
}

// Finish validates the end-of-stream sentinel. The reassembled size must equal the
// declared size, and the sender's own count must agree.
func (a *Assembler) Finish(senderTotal int64) error {
	if a.received != a.total {
		return fmt.Errorf("%w: received %d of %d bytes", models.ErrIncompleteTransfer, a.received, a.total)
	}
	if senderTotal != a.total {
		return fmt.Errorf("%w: sender reported %d bytes, expected %d", models.ErrIncompleteTransfer, senderTotal, a.total)
	}
	return nil
}

// Received returns the number of bytes applied so far.
func (a *Assembler) Received() int64 {
	return a.received
}

// Next returns the index of the next expected chunk.
func (a *Assembler) Next() uint32 {
	return a.next
}
