// Package audit records a durable receipt for every finalized batch.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/fluxbridge/withdrawal-engine/internal/blobstore"
)

var ErrInvalidReceipt = errors.New("audit: invalid receipt")

// BatchDigestV1 computes the deterministic identifier for one finalized
// batch:
//
//	indicesHash = keccak256(concat(be64(index_0), ..., be64(index_n)))
//	digest      = keccak256("FLUX_WITHDRAW_BATCH_V1" || receiver || asset || indicesHash)
//
// Indices are hashed in the caller-supplied finalize order, so the same set
// finalized in a different order yields a different digest. That matches the
// one-batch-one-transfer semantics: order is part of the call.
func BatchDigestV1(receiver, asset common.Address, indices []uint64) common.Hash {
	h1 := sha3.NewLegacyKeccak256()
	var buf [8]byte
	for _, idx := range indices {
		binary.BigEndian.PutUint64(buf[:], idx)
		_, _ = h1.Write(buf[:])
	}
	indicesHash := h1.Sum(nil)

	h2 := sha3.NewLegacyKeccak256()
	_, _ = h2.Write([]byte("FLUX_WITHDRAW_BATCH_V1"))
	_, _ = h2.Write(receiver[:])
	_, _ = h2.Write(asset[:])
	_, _ = h2.Write(indicesHash)
	return common.BytesToHash(h2.Sum(nil))
}

// Receipt is the persisted record of one successful finalize call.
type Receipt struct {
	BatchID     common.Hash    `json:"batchId"`
	Receiver    common.Address `json:"receiver"`
	Asset       common.Address `json:"asset"`
	Indices     []uint64       `json:"indices"`
	TotalAmount string         `json:"totalAmount"`
	Withdrawer  common.Address `json:"withdrawer"`
	FinalizedAt time.Time      `json:"finalizedAt"`
}

func NewReceipt(receiver, asset common.Address, indices []uint64, total *uint256.Int, withdrawer common.Address, finalizedAt time.Time) Receipt {
	return Receipt{
		BatchID:     BatchDigestV1(receiver, asset, indices),
		Receiver:    receiver,
		Asset:       asset,
		Indices:     append([]uint64(nil), indices...),
		TotalAmount: total.Dec(),
		Withdrawer:  withdrawer,
		FinalizedAt: finalizedAt.UTC(),
	}
}

// Recorder writes receipts to a blob store keyed by batch digest.
type Recorder struct {
	store blobstore.Store
}

func NewRecorder(store blobstore.Store) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidReceipt)
	}
	return &Recorder{store: store}, nil
}

func receiptKey(batchID common.Hash) string {
	return "withdrawals/batches/" + hex.EncodeToString(batchID[:]) + "/receipt.json"
}

func (r *Recorder) Record(ctx context.Context, rcpt Receipt) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("%w: nil recorder", ErrInvalidReceipt)
	}
	if len(rcpt.Indices) == 0 {
		return fmt.Errorf("%w: empty indices", ErrInvalidReceipt)
	}
	if rcpt.TotalAmount == "" {
		return fmt.Errorf("%w: missing total amount", ErrInvalidReceipt)
	}
	if rcpt.FinalizedAt.IsZero() {
		return fmt.Errorf("%w: missing finalized time", ErrInvalidReceipt)
	}

	payload, err := json.Marshal(rcpt)
	if err != nil {
		return fmt.Errorf("audit: marshal receipt: %w", err)
	}
	if err := r.store.Put(ctx, receiptKey(rcpt.BatchID), payload, "application/json"); err != nil {
		return fmt.Errorf("audit: persist receipt: %w", err)
	}
	return nil
}

// Lookup fetches a previously recorded receipt by batch digest.
func (r *Recorder) Lookup(ctx context.Context, batchID common.Hash) (Receipt, error) {
	if r == nil || r.store == nil {
		return Receipt{}, fmt.Errorf("%w: nil recorder", ErrInvalidReceipt)
	}
	blob, err := r.store.Get(ctx, receiptKey(batchID))
	if err != nil {
		return Receipt{}, err
	}
	var rcpt Receipt
	if err := json.Unmarshal(blob.Data, &rcpt); err != nil {
		return Receipt{}, fmt.Errorf("audit: unmarshal receipt: %w", err)
	}
	return rcpt, nil
}
