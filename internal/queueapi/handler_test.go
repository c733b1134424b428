package queueapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fluxbridge/withdrawal-engine/internal/audit"
	"github.com/fluxbridge/withdrawal-engine/internal/blobstore"
	"github.com/fluxbridge/withdrawal-engine/internal/engine"
	"github.com/fluxbridge/withdrawal-engine/internal/gate"
	"github.com/fluxbridge/withdrawal-engine/internal/ledger"
	"github.com/fluxbridge/withdrawal-engine/internal/stream"
	"github.com/fluxbridge/withdrawal-engine/internal/transfer"
)

var (
	apiReceiver = common.HexToAddress("0x1111111111111111111111111111111111111111")
	apiAsset    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type apiFixture struct {
	store    *ledger.MemoryStore
	recorder *audit.Recorder
	events   *bytes.Buffer
	handler  http.Handler

	transferErr error
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f := &apiFixture{
		store:  ledger.NewMemoryStore(),
		events: &bytes.Buffer{},
	}

	g, err := gate.New(gate.FixedCooldown(time.Hour))
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	exec := transfer.Func(func(context.Context, common.Address, common.Address, *uint256.Int) error {
		return f.transferErr
	})
	eng, err := engine.New(engine.Config{
		MaxBatchSize: 4,
		MaxScanRange: 100,
		Now:          func() time.Time { return now },
	}, f.store, g, exec, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	blobs, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	f.recorder, err = audit.NewRecorder(blobs)
	if err != nil {
		t.Fatalf("audit.NewRecorder: %v", err)
	}
	publisher, err := stream.NewPublisher(stream.PublisherConfig{Driver: stream.DriverStdio, Writer: f.events})
	if err != nil {
		t.Fatalf("stream.NewPublisher: %v", err)
	}

	f.handler, err = NewHandler(Config{
		Engine:         eng,
		Store:          f.store,
		Recorder:       f.recorder,
		Publisher:      publisher,
		FinalizedTopic: "withdrawals.finalized.v1",
		Now:            func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	// All seeded records are enqueued well past the cooldown.
	enqueued := now.Add(-2 * time.Hour)
	for i := byte(1); i <= 3; i++ {
		var reqID [32]byte
		reqID[0] = i
		if _, _, err := f.store.Append(context.Background(), ledger.Record{
			RequestID:  reqID,
			Withdrawer: apiReceiver,
			Receiver:   apiReceiver,
			Asset:      apiAsset,
			Amount:     uint256.NewInt(uint64(i) * 100),
			EnqueuedAt: enqueued,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return f
}

func (f *apiFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body == nil {
		rdr = bytes.NewReader(nil)
	} else {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rdr)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHandlerHealthz(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}
}

func TestHandlerLimits(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/v1/limits", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rr.Code, rr.Body)
	}
	got := decodeJSON[map[string]uint64](t, rr)
	if got["maxBatchSize"] != 4 || got["maxScanRange"] != 100 {
		t.Fatalf("limits: %v", got)
	}
}

func TestHandlerScan(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	target := fmt.Sprintf("/v1/scan?receiver=%s&asset=%s&start=0&stop=50", apiReceiver.Hex(), apiAsset.Hex())
	rr := f.do(t, http.MethodGet, target, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rr.Code, rr.Body)
	}
	got := decodeJSON[struct {
		Matches []scanMatchJSON `json:"matches"`
	}](t, rr)
	if len(got.Matches) != 3 {
		t.Fatalf("matches: %v", got.Matches)
	}
	if got.Matches[0].Amount != "100" || got.Matches[2].Index != 2 {
		t.Fatalf("match payload: %+v", got.Matches)
	}
}

func TestHandlerScanValidation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	cases := []struct {
		name   string
		target string
		status int
	}{
		{"bad receiver", "/v1/scan?receiver=zzz&asset=" + apiAsset.Hex() + "&start=0&stop=10", http.StatusBadRequest},
		{"bad start", fmt.Sprintf("/v1/scan?receiver=%s&asset=%s&start=x&stop=10", apiReceiver.Hex(), apiAsset.Hex()), http.StatusBadRequest},
		{"bad max", fmt.Sprintf("/v1/scan?receiver=%s&asset=%s&start=0&stop=10&max=0", apiReceiver.Hex(), apiAsset.Hex()), http.StatusBadRequest},
		{"range too large", fmt.Sprintf("/v1/scan?receiver=%s&asset=%s&start=0&stop=101", apiReceiver.Hex(), apiAsset.Hex()), http.StatusBadRequest},
	}
	for _, tc := range cases {
		rr := f.do(t, http.MethodGet, tc.target, nil)
		if rr.Code != tc.status {
			t.Fatalf("%s: status %d body %s", tc.name, rr.Code, rr.Body)
		}
	}

	rr := f.do(t, http.MethodGet, fmt.Sprintf("/v1/scan?receiver=%s&asset=%s&start=0&stop=101", apiReceiver.Hex(), apiAsset.Hex()), nil)
	got := decodeJSON[errorResponse](t, rr)
	if got.Provided == nil || got.Max == nil || *got.Provided != 101 || *got.Max != 100 {
		t.Fatalf("limit error payload: %+v", got)
	}
}

func TestHandlerFinalize(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/finalize", finalizeRequest{
		Receiver: apiReceiver.Hex(),
		Asset:    apiAsset.Hex(),
		Indices:  []uint64{0, 2},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rr.Code, rr.Body)
	}
	got := decodeJSON[finalizeResponse](t, rr)
	if got.TotalAmount != "400" {
		t.Fatalf("total: %q", got.TotalAmount)
	}
	wantBatch := audit.BatchDigestV1(apiReceiver, apiAsset, []uint64{0, 2})
	if got.BatchID != wantBatch.Hex() {
		t.Fatalf("batch id: %q want %q", got.BatchID, wantBatch.Hex())
	}

	// Receipt persisted under the batch digest.
	rcpt, err := f.recorder.Lookup(context.Background(), wantBatch)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rcpt.TotalAmount != "400" {
		t.Fatalf("receipt total: %q", rcpt.TotalAmount)
	}

	// Finalized event published.
	if !strings.Contains(f.events.String(), wantBatch.Hex()) {
		t.Fatalf("finalized event missing batch id: %q", f.events.String())
	}

	// Both records flipped in the ledger.
	for _, idx := range []uint64{0, 2} {
		rec, err := f.store.Get(context.Background(), idx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !rec.Processed {
			t.Fatalf("index %d not processed", idx)
		}
	}
}

func TestHandlerFinalizeErrorMapping(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	cases := []struct {
		name   string
		req    finalizeRequest
		status int
	}{
		{
			"empty batch",
			finalizeRequest{Receiver: apiReceiver.Hex(), Asset: apiAsset.Hex()},
			http.StatusBadRequest,
		},
		{
			"batch too large",
			finalizeRequest{Receiver: apiReceiver.Hex(), Asset: apiAsset.Hex(), Indices: []uint64{0, 1, 2, 3, 4}},
			http.StatusBadRequest,
		},
		{
			"missing index",
			finalizeRequest{Receiver: apiReceiver.Hex(), Asset: apiAsset.Hex(), Indices: []uint64{99}},
			http.StatusConflict,
		},
		{
			"bad receiver",
			finalizeRequest{Receiver: "nope", Asset: apiAsset.Hex(), Indices: []uint64{0}},
			http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		rr := f.do(t, http.MethodPost, "/v1/finalize", tc.req)
		if rr.Code != tc.status {
			t.Fatalf("%s: status %d body %s", tc.name, rr.Code, rr.Body)
		}
	}

	// Oversized batch carries the structured limit fields.
	rr := f.do(t, http.MethodPost, "/v1/finalize", finalizeRequest{
		Receiver: apiReceiver.Hex(), Asset: apiAsset.Hex(), Indices: []uint64{0, 1, 2, 3, 4},
	})
	got := decodeJSON[errorResponse](t, rr)
	if got.Provided == nil || got.Max == nil || *got.Provided != 5 || *got.Max != 4 {
		t.Fatalf("limit error payload: %+v", got)
	}
}

func TestHandlerFinalizeTransferFailure(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.transferErr = errors.New("payout service down")

	rr := f.do(t, http.MethodPost, "/v1/finalize", finalizeRequest{
		Receiver: apiReceiver.Hex(), Asset: apiAsset.Hex(), Indices: []uint64{0},
	})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status: %d body: %s", rr.Code, rr.Body)
	}

	rec, err := f.store.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Processed {
		t.Fatalf("failed finalize left record processed")
	}
	if f.events.Len() != 0 {
		t.Fatalf("failed finalize published an event: %q", f.events.String())
	}
}

func TestHandlerFinalizeRejectsBadBody(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/finalize", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rr.Code)
	}
}

func TestHandlerRecord(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/v1/records/1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rr.Code, rr.Body)
	}
	got := decodeJSON[recordResponse](t, rr)
	if got.Index != 1 || got.Amount != "200" || got.Processed {
		t.Fatalf("record payload: %+v", got)
	}
	if got.Receiver != apiReceiver.Hex() || got.Asset != apiAsset.Hex() {
		t.Fatalf("record addresses: %+v", got)
	}

	rr = f.do(t, http.MethodGet, "/v1/records/99", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing record status: %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/v1/records/abc", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad index status: %d", rr.Code)
	}
}

func TestNewHandlerValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
