// Package queueapi exposes the withdrawal-queue engine over HTTP.
package queueapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/fluxbridge/withdrawal-engine/internal/audit"
	"github.com/fluxbridge/withdrawal-engine/internal/engine"
	"github.com/fluxbridge/withdrawal-engine/internal/ledger"
	"github.com/fluxbridge/withdrawal-engine/internal/stream"
)

var ErrInvalidConfig = errors.New("queueapi: invalid config")

const maxFinalizeBodyBytes = 1 << 20

type Config struct {
	Engine *engine.Engine
	Store  ledger.Store

	// Recorder persists finalize receipts when set.
	Recorder *audit.Recorder

	// Publisher emits finalized-batch events to FinalizedTopic when set.
	Publisher      stream.Publisher
	FinalizedTopic string

	Log *slog.Logger
	Now func() time.Time
}

type handler struct {
	cfg Config
}

func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Store == nil {
		return nil, fmt.Errorf("%w: nil engine or store", ErrInvalidConfig)
	}
	if cfg.Publisher != nil && cfg.FinalizedTopic == "" {
		return nil, fmt.Errorf("%w: publisher requires finalized topic", ErrInvalidConfig)
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/limits", h.handleLimits)
	mux.HandleFunc("GET /v1/scan", h.handleScan)
	mux.HandleFunc("POST /v1/finalize", h.handleFinalize)
	mux.HandleFunc("GET /v1/records/{index}", h.handleRecord)
	return mux, nil
}

type errorResponse struct {
	Error    string  `json:"error"`
	Provided *uint64 `json:"provided,omitempty"`
	Max      *uint64 `json:"max,omitempty"`
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleLimits(w http.ResponseWriter, _ *http.Request) {
	maxBatch, maxRange := h.cfg.Engine.Limits()
	writeJSON(w, http.StatusOK, map[string]uint64{
		"maxBatchSize": uint64(maxBatch),
		"maxScanRange": maxRange,
	})
}

type scanMatchJSON struct {
	Index      uint64 `json:"index"`
	Withdrawer string `json:"withdrawer"`
	Amount     string `json:"amount"`
}

func (h *handler) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	receiver, ok := parseAddressParam(w, q.Get("receiver"), "receiver")
	if !ok {
		return
	}
	asset, ok := parseAddressParam(w, q.Get("asset"), "asset")
	if !ok {
		return
	}
	start, ok := parseUintParam(w, q.Get("start"), "start")
	if !ok {
		return
	}
	stop, ok := parseUintParam(w, q.Get("stop"), "stop")
	if !ok {
		return
	}
	maxResults := 50
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		maxResults = n
	}

	matches, err := h.cfg.Engine.Scan(r.Context(), receiver, asset, start, stop, maxResults)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	out := make([]scanMatchJSON, 0, len(matches))
	for _, m := range matches {
		out = append(out, scanMatchJSON{
			Index:      m.Index,
			Withdrawer: m.Withdrawer.Hex(),
			Amount:     m.Amount.Dec(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": out})
}

type finalizeRequest struct {
	Receiver string   `json:"receiver"`
	Asset    string   `json:"asset"`
	Indices  []uint64 `json:"indices"`
}

type finalizeResponse struct {
	BatchID     string   `json:"batchId"`
	TotalAmount string   `json:"totalAmount"`
	Withdrawer  string   `json:"withdrawer"`
	Indices     []uint64 `json:"indices"`
}

func (h *handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFinalizeBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(body) > maxFinalizeBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var req finalizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	receiver, ok := parseAddressParam(w, req.Receiver, "receiver")
	if !ok {
		return
	}
	asset, ok := parseAddressParam(w, req.Asset, "asset")
	if !ok {
		return
	}

	res, err := h.cfg.Engine.Finalize(r.Context(), receiver, asset, req.Indices)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	batchID := audit.BatchDigestV1(receiver, asset, res.Indices)
	h.afterFinalize(r.Context(), batchID, receiver, asset, res)

	writeJSON(w, http.StatusOK, finalizeResponse{
		BatchID:     batchID.Hex(),
		TotalAmount: res.Total.Dec(),
		Withdrawer:  res.Withdrawer.Hex(),
		Indices:     res.Indices,
	})
}

// afterFinalize persists the receipt and publishes the finalized event.
// Both are best effort: the ledger mutation and transfer already committed,
// so failures here are logged, not surfaced as call failures.
func (h *handler) afterFinalize(ctx context.Context, batchID common.Hash, receiver, asset common.Address, res engine.Result) {
	now := h.cfg.Now()

	if h.cfg.Recorder != nil {
		rcpt := audit.NewReceipt(receiver, asset, res.Indices, res.Total, res.Withdrawer, now)
		if err := h.cfg.Recorder.Record(ctx, rcpt); err != nil {
			h.cfg.Log.Error("persist finalize receipt", "batchId", batchID, "err", err)
		}
	}

	if h.cfg.Publisher != nil {
		payload, err := json.Marshal(map[string]any{
			"batchId":     batchID.Hex(),
			"receiver":    receiver.Hex(),
			"asset":       asset.Hex(),
			"indices":     res.Indices,
			"totalAmount": res.Total.Dec(),
			"withdrawer":  res.Withdrawer.Hex(),
			"finalizedAt": now.UTC(),
		})
		if err == nil {
			err = h.cfg.Publisher.Publish(ctx, h.cfg.FinalizedTopic, payload)
		}
		if err != nil {
			h.cfg.Log.Error("publish finalized event", "batchId", batchID, "err", err)
		}
	}
}

type recordResponse struct {
	Index      uint64    `json:"index"`
	RequestID  string    `json:"requestId"`
	Withdrawer string    `json:"withdrawer"`
	Receiver   string    `json:"receiver"`
	Asset      string    `json:"asset"`
	Amount     string    `json:"amount"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Processed  bool      `json:"processed"`
}

func (h *handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an unsigned integer")
		return
	}

	rec, err := h.cfg.Store.Get(r.Context(), index)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		h.cfg.Log.Error("get record", "index", index, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, recordResponse{
		Index:      rec.Index,
		RequestID:  hexutil.Encode(rec.RequestID[:]),
		Withdrawer: rec.Withdrawer.Hex(),
		Receiver:   rec.Receiver.Hex(),
		Asset:      rec.Asset.Hex(),
		Amount:     rec.Amount.Dec(),
		EnqueuedAt: rec.EnqueuedAt,
		Processed:  rec.Processed,
	})
}

func (h *handler) writeEngineError(w http.ResponseWriter, err error) {
	var limitErr *engine.LimitError
	if errors.As(err, &limitErr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:    limitErr.Error(),
			Provided: &limitErr.Provided,
			Max:      &limitErr.Max,
		})
		return
	}

	switch {
	case errors.Is(err, engine.ErrEmptyBatch), errors.Is(err, engine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrRecordMismatch), errors.Is(err, engine.ErrFinalizeInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrAmountOverflow):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrTransferFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.cfg.Log.Error("engine call failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseAddressParam(w http.ResponseWriter, v, field string) (common.Address, bool) {
	if !common.IsHexAddress(v) {
		writeError(w, http.StatusBadRequest, field+" must be a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func parseUintParam(w http.ResponseWriter, v, field string) (uint64, bool) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, field+" must be an unsigned integer")
		return 0, false
	}
	return n, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
