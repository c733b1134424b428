package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig      = errors.New("engine: invalid config")
	ErrInvalidInput       = errors.New("engine: invalid input")
	ErrEmptyBatch         = errors.New("engine: empty batch")
	ErrBatchTooLarge      = errors.New("engine: batch too large")
	ErrScanRangeTooLarge  = errors.New("engine: scan range too large")
	ErrRecordMismatch     = errors.New("engine: record mismatch")
	ErrAmountOverflow     = errors.New("engine: amount overflow")
	ErrTransferFailed     = errors.New("engine: transfer failed")
	ErrFinalizeInProgress = errors.New("engine: finalize already in progress")
)

// LimitError reports a guard rejection together with the offending and
// allowed values, so a caller can immediately compute a valid retry (split a
// batch, narrow a scan window) without knowing the limit out of band.
//
// It unwraps to ErrBatchTooLarge or ErrScanRangeTooLarge.
type LimitError struct {
	limit    error
	Provided uint64
	Max      uint64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: provided %d, max %d", e.limit, e.Provided, e.Max)
}

func (e *LimitError) Unwrap() error {
	return e.limit
}

func batchTooLarge(provided, max int) error {
	return &LimitError{limit: ErrBatchTooLarge, Provided: uint64(provided), Max: uint64(max)}
}

func scanRangeTooLarge(provided, max uint64) error {
	return &LimitError{limit: ErrScanRangeTooLarge, Provided: provided, Max: max}
}
