package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxbridge/withdrawal-engine/internal/ledger"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

// appendLockID serializes index assignment across writers. Append traffic is
// a single trusted ingestion path, so contention on one advisory lock is fine.
const appendLockID = int64(0x77697164_7175) // "wiqd" "qu"

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, r ledger.Record) (uint64, bool, error) {
	if s == nil || s.pool == nil {
		return 0, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := r.Validate(); err != nil {
		return 0, false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, false, fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockID); err != nil {
		return 0, false, fmt.Errorf("ledger/postgres: acquire append lock: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO withdrawal_records (
			record_index, request_id, withdrawer, receiver, asset, amount, enqueued_at
		)
		SELECT COALESCE(MAX(record_index) + 1, 0), $1, $2, $3, $4, $5::numeric, $6
		FROM withdrawal_records
		ON CONFLICT (request_id) DO NOTHING
	`, r.RequestID[:], r.Withdrawer[:], r.Receiver[:], r.Asset[:], r.Amount.Dec(), r.EnqueuedAt)
	if err != nil {
		return 0, false, fmt.Errorf("ledger/postgres: insert record: %w", err)
	}

	existing, err := getByRequestID(ctx, tx, r.RequestID)
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("ledger/postgres: commit append: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return existing.Index, true, nil
	}
	if !appendEqual(existing, r) {
		return 0, false, ledger.ErrRequestMismatch
	}
	return existing.Index, false, nil
}

func (s *Store) Get(ctx context.Context, index uint64) (ledger.Record, error) {
	if s == nil || s.pool == nil {
		return ledger.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT record_index, request_id, withdrawer, receiver, asset, amount::text, enqueued_at, processed
		FROM withdrawal_records
		WHERE record_index = $1
	`, int64(index))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Record{}, fmt.Errorf("%w: index %d", ledger.ErrNotFound, index)
		}
		return ledger.Record{}, err
	}
	return rec, nil
}

func (s *Store) Range(ctx context.Context, start, stop uint64) ([]ledger.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if start >= stop {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT record_index, request_id, withdrawer, receiver, asset, amount::text, enqueued_at, processed
		FROM withdrawal_records
		WHERE record_index >= $1 AND record_index < $2
		ORDER BY record_index ASC
	`, int64(start), int64(stop))
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: range query: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: range rows: %w", err)
	}
	return out, nil
}

// MarkProcessed flips the processed flags and runs then inside one SQL
// transaction. A failure in then rolls the flags back, so a failed downstream
// transfer never leaves a record spent.
func (s *Store) MarkProcessed(ctx context.Context, indices []uint64, then func(context.Context) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(indices) == 0 {
		return fmt.Errorf("%w: empty index set", ledger.ErrInvalidRecord)
	}

	idxs := make([]int64, 0, len(indices))
	seen := make(map[uint64]struct{}, len(indices))
	for _, idx := range indices {
		if _, dup := seen[idx]; dup {
			return fmt.Errorf("%w: duplicate index %d", ledger.ErrAlreadyProcessed, idx)
		}
		seen[idx] = struct{}{}
		idxs = append(idxs, int64(idx))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE withdrawal_records
		SET processed = TRUE, processed_at = now()
		WHERE record_index = ANY($1) AND NOT processed
	`, idxs)
	if err != nil {
		return fmt.Errorf("ledger/postgres: mark processed: %w", err)
	}
	if tag.RowsAffected() != int64(len(idxs)) {
		// Distinguish missing indices from ones another caller already spent.
		var present int64
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM withdrawal_records WHERE record_index = ANY($1)
		`, idxs).Scan(&present); err != nil {
			return fmt.Errorf("ledger/postgres: count records: %w", err)
		}
		if present != int64(len(idxs)) {
			return fmt.Errorf("%w: %d of %d indices exist", ledger.ErrNotFound, present, len(idxs))
		}
		return ledger.ErrAlreadyProcessed
	}

	if then != nil {
		if err := then(ctx); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: commit mark processed: %w", err)
	}
	return nil
}

func (s *Store) NextIndex(ctx context.Context) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var next int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(record_index) + 1, 0) FROM withdrawal_records
	`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("ledger/postgres: next index: %w", err)
	}
	return uint64(next), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ledger.Record, error) {
	var (
		index      int64
		reqRaw     []byte
		withRaw    []byte
		recvRaw    []byte
		assetRaw   []byte
		amountDec  string
		enqueuedAt time.Time
		processed  bool
	)
	if err := row.Scan(&index, &reqRaw, &withRaw, &recvRaw, &assetRaw, &amountDec, &enqueuedAt, &processed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Record{}, err
		}
		return ledger.Record{}, fmt.Errorf("ledger/postgres: scan record: %w", err)
	}
	if index < 0 {
		return ledger.Record{}, fmt.Errorf("ledger/postgres: negative index in db")
	}

	reqID, err := to32(reqRaw)
	if err != nil {
		return ledger.Record{}, err
	}
	amount, err := uint256.FromDecimal(amountDec)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("ledger/postgres: parse amount %q: %w", amountDec, err)
	}

	return ledger.Record{
		Index:      uint64(index),
		RequestID:  reqID,
		Withdrawer: common.BytesToAddress(withRaw),
		Receiver:   common.BytesToAddress(recvRaw),
		Asset:      common.BytesToAddress(assetRaw),
		Amount:     amount,
		EnqueuedAt: enqueuedAt,
		Processed:  processed,
	}, nil
}

func getByRequestID(ctx context.Context, tx pgx.Tx, requestID [32]byte) (ledger.Record, error) {
	row := tx.QueryRow(ctx, `
		SELECT record_index, request_id, withdrawer, receiver, asset, amount::text, enqueued_at, processed
		FROM withdrawal_records
		WHERE request_id = $1
	`, requestID[:])
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Record{}, fmt.Errorf("%w: request id", ledger.ErrNotFound)
		}
		return ledger.Record{}, err
	}
	return rec, nil
}

func appendEqual(existing, incoming ledger.Record) bool {
	if existing.Withdrawer != incoming.Withdrawer || existing.Receiver != incoming.Receiver || existing.Asset != incoming.Asset {
		return false
	}
	if !existing.EnqueuedAt.Equal(incoming.EnqueuedAt) {
		return false
	}
	return existing.Amount != nil && incoming.Amount != nil && existing.Amount.Eq(incoming.Amount)
}

func to32(b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("ledger/postgres: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

var _ ledger.Store = (*Store)(nil)
