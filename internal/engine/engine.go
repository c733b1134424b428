// Package engine implements bounded scan and finalize over the withdrawal
// queue. Both entry points reject oversized requests in O(1) before touching
// the record store, so no caller can be forced to pay for traversal work an
// adversary inflated with filler records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fluxbridge/withdrawal-engine/internal/gate"
	"github.com/fluxbridge/withdrawal-engine/internal/ledger"
	"github.com/fluxbridge/withdrawal-engine/internal/transfer"
)

const (
	// DefaultMaxBatchSize bounds the index set of one finalize call.
	DefaultMaxBatchSize = 200

	// DefaultMaxScanRange bounds stop-start of one scan call. Worst case a
	// scan touches this many records even when nothing matches; the ceiling
	// keeps that comfortably inside one call's compute budget.
	DefaultMaxScanRange = 4096
)

type Config struct {
	MaxBatchSize int
	MaxScanRange uint64

	// Now allows deterministic, hermetic tests. If nil, time.Now is used.
	Now func() time.Time
}

// Match is one scan hit: an unprocessed, eligible record belonging to the
// queried receiver and asset.
type Match struct {
	Index      uint64
	Withdrawer common.Address
	Amount     *uint256.Int
}

// Result describes one successful finalize call.
type Result struct {
	Total *uint256.Int

	// Withdrawer is the account recorded against the last processed index.
	// Attributing the whole batch to it mirrors the single-record finalize
	// bookkeeping; it is an observability convention, not a correctness
	// requirement.
	Withdrawer common.Address

	Indices []uint64
}

type Engine struct {
	cfg   Config
	store ledger.Store
	gate  *gate.Gate
	exec  transfer.Executor
	log   *slog.Logger

	// finalizeMu is the single-flight guard: a finalize call that re-enters
	// (directly, or via the transfer callback looping back in) fails fast
	// instead of deadlocking or interleaving mutations.
	finalizeMu sync.Mutex
}

func New(cfg Config, store ledger.Store, g *gate.Gate, exec transfer.Executor, log *slog.Logger) (*Engine, error) {
	if store == nil || g == nil || exec == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MaxScanRange == 0 {
		cfg.MaxScanRange = DefaultMaxScanRange
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Engine{
		cfg:   cfg,
		store: store,
		gate:  g,
		exec:  exec,
		log:   log,
	}, nil
}

// Limits returns the static admission-control ceilings.
func (e *Engine) Limits() (maxBatchSize int, maxScanRange uint64) {
	return e.cfg.MaxBatchSize, e.cfg.MaxScanRange
}

// Scan walks indices [start, stop) ascending and returns up to maxResults
// unprocessed, eligible records whose withdrawer and asset match. It is
// read-only. stop < start is a well-defined empty result, not an error;
// a range wider than MaxScanRange is rejected before any store access.
func (e *Engine) Scan(ctx context.Context, receiver, asset common.Address, start, stop uint64, maxResults int) ([]Match, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidConfig)
	}
	if maxResults < 1 {
		return nil, fmt.Errorf("%w: maxResults must be >= 1", ErrInvalidInput)
	}
	if stop <= start {
		return nil, nil
	}
	if stop-start > e.cfg.MaxScanRange {
		return nil, scanRangeTooLarge(stop-start, e.cfg.MaxScanRange)
	}

	recs, err := e.store.Range(ctx, start, stop)
	if err != nil {
		return nil, err
	}

	now := e.cfg.Now()
	var out []Match
	for _, rec := range recs {
		if rec.Withdrawer != receiver || rec.Asset != asset || rec.Processed {
			continue
		}
		if !e.gate.IsEligible(rec.EnqueuedAt, now) {
			continue
		}
		out = append(out, Match{Index: rec.Index, Withdrawer: rec.Withdrawer, Amount: rec.Amount})
		if len(out) >= maxResults {
			break
		}
	}
	return out, nil
}

// Finalize validates every index in caller-supplied order, sums the amounts
// with checked 256-bit arithmetic, marks the records processed, and issues
// exactly one downstream transfer of the total. Any violation aborts the
// whole batch with no observable mutation; a transfer failure rolls the
// processed flags back.
func (e *Engine) Finalize(ctx context.Context, receiver, asset common.Address, indices []uint64) (Result, error) {
	if e == nil || e.store == nil {
		return Result{}, fmt.Errorf("%w: nil engine", ErrInvalidConfig)
	}
	if len(indices) == 0 {
		return Result{}, ErrEmptyBatch
	}
	if len(indices) > e.cfg.MaxBatchSize {
		return Result{}, batchTooLarge(len(indices), e.cfg.MaxBatchSize)
	}

	if !e.finalizeMu.TryLock() {
		return Result{}, ErrFinalizeInProgress
	}
	defer e.finalizeMu.Unlock()

	now := e.cfg.Now()
	total := new(uint256.Int)
	seen := make(map[uint64]struct{}, len(indices))
	var withdrawer common.Address

	for _, idx := range indices {
		if _, dup := seen[idx]; dup {
			return Result{}, fmt.Errorf("%w: duplicate index %d", ErrRecordMismatch, idx)
		}
		seen[idx] = struct{}{}

		rec, err := e.store.Get(ctx, idx)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return Result{}, fmt.Errorf("%w: index %d not found", ErrRecordMismatch, idx)
			}
			return Result{}, err
		}
		if rec.Receiver != receiver {
			return Result{}, fmt.Errorf("%w: index %d receiver mismatch", ErrRecordMismatch, idx)
		}
		if rec.Asset != asset {
			return Result{}, fmt.Errorf("%w: index %d asset mismatch", ErrRecordMismatch, idx)
		}
		if rec.Processed {
			return Result{}, fmt.Errorf("%w: index %d already processed", ErrRecordMismatch, idx)
		}
		if !e.gate.IsEligible(rec.EnqueuedAt, now) {
			return Result{}, fmt.Errorf("%w: index %d not yet eligible", ErrRecordMismatch, idx)
		}

		if _, overflow := total.AddOverflow(total, rec.Amount); overflow {
			return Result{}, fmt.Errorf("%w: at index %d", ErrAmountOverflow, idx)
		}
		withdrawer = rec.Withdrawer
	}

	err := e.store.MarkProcessed(ctx, indices, func(ctx context.Context) error {
		if err := e.exec.Transfer(ctx, asset, receiver, total); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyProcessed) || errors.Is(err, ledger.ErrNotFound) {
			// Lost a race against another engine instance on a shared store.
			return Result{}, fmt.Errorf("%w: %v", ErrRecordMismatch, err)
		}
		return Result{}, err
	}

	e.log.Info("finalized withdrawal batch",
		"receiver", receiver,
		"asset", asset,
		"indices", len(indices),
		"total", total.Dec(),
		"withdrawer", withdrawer,
	)
	return Result{Total: total, Withdrawer: withdrawer, Indices: indices}, nil
}
