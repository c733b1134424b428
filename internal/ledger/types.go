package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidRecord    = errors.New("ledger: invalid record")
	ErrNotFound         = errors.New("ledger: not found")
	ErrRequestMismatch  = errors.New("ledger: request mismatch")
	ErrAlreadyProcessed = errors.New("ledger: already processed")
)

// Record is one entry in the global withdrawal queue. Indices are assigned
// by the store in strictly increasing order and never reused; records are
// never deleted. The processed flag transitions false->true exactly once.
type Record struct {
	Index uint64

	// RequestID is the ingestion idempotency key. Enqueue events may be
	// redelivered; a duplicate RequestID resolves to the existing index.
	RequestID [32]byte

	Withdrawer common.Address
	Receiver   common.Address
	Asset      common.Address
	Amount     *uint256.Int

	EnqueuedAt time.Time
	Processed  bool
}

// Validate checks the creation-time invariants. Index and Processed are
// store-owned and ignored here.
func (r Record) Validate() error {
	if r.RequestID == ([32]byte{}) {
		return fmt.Errorf("%w: missing request id", ErrInvalidRecord)
	}
	if r.Withdrawer == (common.Address{}) {
		return fmt.Errorf("%w: missing withdrawer", ErrInvalidRecord)
	}
	if r.Receiver == (common.Address{}) {
		return fmt.Errorf("%w: missing receiver", ErrInvalidRecord)
	}
	if r.Amount == nil || r.Amount.IsZero() {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidRecord)
	}
	if r.EnqueuedAt.IsZero() {
		return fmt.Errorf("%w: missing enqueue time", ErrInvalidRecord)
	}
	return nil
}

func cloneRecord(r Record) Record {
	if r.Amount != nil {
		r.Amount = new(uint256.Int).Set(r.Amount)
	}
	return r
}

func recordEqual(a, b Record) bool {
	if a.RequestID != b.RequestID || a.Withdrawer != b.Withdrawer || a.Receiver != b.Receiver || a.Asset != b.Asset {
		return false
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return false
	}
	if (a.Amount == nil) != (b.Amount == nil) {
		return false
	}
	return a.Amount == nil || a.Amount.Eq(b.Amount)
}
