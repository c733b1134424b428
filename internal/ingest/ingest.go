// Package ingest appends withdrawal requests to the ledger as they arrive
// from the cross-chain messaging layer. It is the only writer of new queue
// entries; the engine only ever flips processed flags.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/fluxbridge/withdrawal-engine/internal/ledger"
	"github.com/fluxbridge/withdrawal-engine/internal/stream"
)

var (
	ErrInvalidConfig = errors.New("ingest: invalid config")
	ErrInvalidEvent  = errors.New("ingest: invalid event")
)

// EnqueueEvent is the wire form of one withdrawal request on the
// withdrawals.enqueued.v1 topic.
type EnqueueEvent struct {
	RequestID  hexutil.Bytes `json:"requestId"`
	Withdrawer string        `json:"withdrawer"`
	Receiver   string        `json:"receiver"`
	Asset      string        `json:"asset"`
	Amount     string        `json:"amount"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

// DecodeEnqueueEvent parses and validates an event payload into a ledger
// record ready for Append.
func DecodeEnqueueEvent(payload []byte) (ledger.Record, error) {
	var ev EnqueueEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ledger.Record{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if len(ev.RequestID) != 32 {
		return ledger.Record{}, fmt.Errorf("%w: request id must be 32 bytes, got %d", ErrInvalidEvent, len(ev.RequestID))
	}
	withdrawer, err := parseAddress("withdrawer", ev.Withdrawer)
	if err != nil {
		return ledger.Record{}, err
	}
	receiver, err := parseAddress("receiver", ev.Receiver)
	if err != nil {
		return ledger.Record{}, err
	}
	asset, err := parseAddress("asset", ev.Asset)
	if err != nil {
		return ledger.Record{}, err
	}
	amount, err := uint256.FromDecimal(ev.Amount)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("%w: amount %q: %v", ErrInvalidEvent, ev.Amount, err)
	}
	if ev.EnqueuedAt.IsZero() {
		return ledger.Record{}, fmt.Errorf("%w: missing enqueuedAt", ErrInvalidEvent)
	}

	var reqID [32]byte
	copy(reqID[:], ev.RequestID)

	rec := ledger.Record{
		RequestID:  reqID,
		Withdrawer: withdrawer,
		Receiver:   receiver,
		Asset:      asset,
		Amount:     amount,
		EnqueuedAt: ev.EnqueuedAt.UTC(),
	}
	if err := rec.Validate(); err != nil {
		return ledger.Record{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return rec, nil
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not a hex address", ErrInvalidEvent, field, v)
	}
	return common.HexToAddress(v), nil
}

// Worker consumes enqueue events and appends them to the ledger. RequestID
// dedupe in the store makes at-least-once delivery safe to replay.
type Worker struct {
	store    ledger.Store
	consumer stream.Consumer
	log      *slog.Logger
}

func NewWorker(store ledger.Store, consumer stream.Consumer, log *slog.Logger) (*Worker, error) {
	if store == nil || consumer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Worker{store: store, consumer: consumer, log: log}, nil
}

// Run processes events until the context is canceled or the consumer's
// channels close. Malformed events are logged and acked so a poison payload
// cannot wedge the partition; append errors are returned because they mean
// the ledger itself is unavailable.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.consumer.Errors():
			if !ok {
				return nil
			}
			w.log.Warn("consumer error", "err", err)
		case ev, ok := <-w.consumer.Events():
			if !ok {
				return nil
			}
			if err := w.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, ev stream.Event) error {
	rec, err := DecodeEnqueueEvent(ev.Value)
	if err != nil {
		w.log.Warn("dropping malformed enqueue event", "err", err)
		return ev.Ack(ctx)
	}

	index, created, err := w.store.Append(ctx, rec)
	if err != nil {
		if errors.Is(err, ledger.ErrRequestMismatch) {
			// Same RequestID, different payload: never append, never retry.
			w.log.Error("enqueue event conflicts with existing record",
				"requestId", hexutil.Encode(rec.RequestID[:]),
			)
			return ev.Ack(ctx)
		}
		return fmt.Errorf("ingest: append record: %w", err)
	}

	if created {
		w.log.Info("enqueued withdrawal record",
			"index", index,
			"withdrawer", rec.Withdrawer,
			"asset", rec.Asset,
			"amount", rec.Amount.Dec(),
		)
	}
	return ev.Ack(ctx)
}
