package ledger

import "context"

// Store is the append-only record store backing the withdrawal queue.
//
// Semantics:
//   - Append assigns the next index and dedupes on RequestID: re-appending an
//     identical record returns the existing index with created=false, while a
//     RequestID collision with different fields fails with ErrRequestMismatch.
//   - Get returns ErrNotFound for any index at or beyond the current length.
//     Callers scanning a range treat that as a normal end-of-store outcome.
//   - Range returns records with index in [start, stop) in ascending order;
//     a stop beyond the current length simply shortens the result.
//   - MarkProcessed flips the processed flag on every index and then runs
//     then (the downstream transfer). The flag changes and then commit or
//     roll back as one unit: if any index is missing or already processed,
//     or then returns an error, no flag change is observable afterwards.
type Store interface {
	Append(ctx context.Context, r Record) (index uint64, created bool, err error)
	Get(ctx context.Context, index uint64) (Record, error)
	Range(ctx context.Context, start, stop uint64) ([]Record, error)
	MarkProcessed(ctx context.Context, indices []uint64, then func(context.Context) error) error
	NextIndex(ctx context.Context) (uint64, error)
}
