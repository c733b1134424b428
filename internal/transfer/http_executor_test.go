package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestNewHTTPExecutorValidatesBaseURL(t *testing.T) {
	t.Parallel()

	cases := []string{"", "   ", "ftp://example.com", "http://"}
	for _, base := range cases {
		if _, err := NewHTTPExecutor(base, ""); !errors.Is(err, ErrInvalidClientConfig) {
			t.Fatalf("base %q: expected ErrInvalidClientConfig, got %v", base, err)
		}
	}
}

func TestTransferSubmitsPayout(t *testing.T) {
	t.Parallel()

	asset := common.HexToAddress("0x1111111111111111111111111111111111111111")
	receiver := common.HexToAddress("0x2222222222222222222222222222222222222222")

	var got payoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payouts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sekrit" {
			t.Errorf("authorization header: %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payout: %v", err)
		}
		_ = json.NewEncoder(w).Encode(payoutResponse{Status: "ok"})
	}))
	defer srv.Close()

	e, err := NewHTTPExecutor(srv.URL, "sekrit")
	if err != nil {
		t.Fatalf("NewHTTPExecutor: %v", err)
	}
	if err := e.Transfer(context.Background(), asset, receiver, uint256.NewInt(12345)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if got.Asset != asset.Hex() || got.Receiver != receiver.Hex() || got.Amount != "12345" {
		t.Fatalf("payout request mismatch: %+v", got)
	}
}

func TestTransferJoinsBasePath(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(payoutResponse{Status: "ok"})
	}))
	defer srv.Close()

	e, err := NewHTTPExecutor(srv.URL+"/relayer", "")
	if err != nil {
		t.Fatalf("NewHTTPExecutor: %v", err)
	}
	if err := e.Transfer(context.Background(), common.Address{1}, common.Address{2}, uint256.NewInt(1)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if gotPath != "/relayer/v1/payouts" {
		t.Fatalf("path: got %q", gotPath)
	}
}

func TestTransferFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			"http error with json body",
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(payoutResponse{Error: "signer offline"})
			},
		},
		{
			"rejected verdict",
			func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(payoutResponse{Status: "rejected", Error: "limit exceeded"})
			},
		},
		{
			"garbage body",
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			e, err := NewHTTPExecutor(srv.URL, "")
			if err != nil {
				t.Fatalf("NewHTTPExecutor: %v", err)
			}
			if err := e.Transfer(context.Background(), common.Address{1}, common.Address{2}, uint256.NewInt(1)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestTransferRejectsNilAmount(t *testing.T) {
	t.Parallel()

	e, err := NewHTTPExecutor("http://localhost:1", "")
	if err != nil {
		t.Fatalf("NewHTTPExecutor: %v", err)
	}
	if err := e.Transfer(context.Background(), common.Address{}, common.Address{}, nil); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected ErrInvalidClientConfig, got %v", err)
	}
}
