package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInvalidClientConfig = errors.New("transfer: invalid client config")

// HTTPExecutor submits payout requests to a relayer-style transfer service
// over JSON. The service owns custody; this client only reports its verdict.
type HTTPExecutor struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

type HTTPOption func(*HTTPExecutor) error

func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(e *HTTPExecutor) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		e.hc = hc
		return nil
	}
}

func NewHTTPExecutor(baseURL, authToken string, opts ...HTTPOption) (*HTTPExecutor, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	e := &HTTPExecutor{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 2 * time.Minute},
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

type payoutRequest struct {
	Asset    string `json:"asset"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
}

type payoutResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (e *HTTPExecutor) Transfer(ctx context.Context, asset, receiver common.Address, amount *uint256.Int) error {
	if e == nil || e.baseURL == nil || e.hc == nil {
		return fmt.Errorf("%w: nil executor", ErrInvalidClientConfig)
	}
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrInvalidClientConfig)
	}

	u := *e.baseURL
	u.Path = path.Join(nonEmptyPath(u.Path), "/v1/payouts")

	b, err := json.Marshal(payoutRequest{
		Asset:    asset.Hex(),
		Receiver: receiver.Hex(),
		Amount:   amount.Dec(),
	})
	if err != nil {
		return fmt.Errorf("transfer: marshal payout: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("transfer: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if e.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+e.authToken)
	}

	resp, err := e.hc.Do(r)
	if err != nil {
		return fmt.Errorf("transfer: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxRespBytes+1))
	if err != nil {
		return fmt.Errorf("transfer: read response: %w", err)
	}
	if int64(len(body)) > e.maxRespBytes {
		return fmt.Errorf("transfer: response too large")
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		var er payoutResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("transfer: payout status %d: %s", resp.StatusCode, msg)
	}

	var out payoutResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("transfer: unmarshal response: %w", err)
	}
	if out.Status != "ok" {
		return fmt.Errorf("transfer: payout rejected: %s", out.Error)
	}
	return nil
}

func nonEmptyPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

var _ Executor = (*HTTPExecutor)(nil)
