// Package wallet talks to the wallet bridge that signs and submits account multicalls.
package wallet

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

	"github.com/zkdefi/shield-client/internal/poolcall"
)

var (
	ErrInvalidClientConfig = errors.New("wallet: invalid client config")
	// ErrRejected means the wallet declined to sign or the account failed to submit.
	ErrRejected = errors.New("wallet: execution rejected")
	// ErrReverted means the transaction was included but did not succeed.
	ErrReverted = errors.New("wallet: transaction reverted")
)

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: poll interval must be > 0", ErrInvalidClientConfig)
		}
		c.pollInterval = d
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
	pollInterval time.Duration
}

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
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

	c := &Client{
		baseURL:   u,
		authToken: authToken,
		// Signing waits on a human approving the request in the wallet.
		hc:           &http.Client{Timeout: 10 * time.Minute},
		maxRespBytes: 1 << 20, // 1 MiB
		pollInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Execute submits calls as one atomic multicall and returns the transaction hash.
func (c *Client) Execute(ctx context.Context, calls []poolcall.Call) (string, error) {
	if len(calls) == 0 {
		return "", fmt.Errorf("%w: no calls", ErrRejected)
	}
	var out ExecuteResponse
	status, msg, err := c.do(ctx, http.MethodPost, "/v1/execute", ExecuteRequest{Calls: calls}, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, status, msg)
	}
	if strings.TrimSpace(out.TransactionHash) == "" {
		return "", fmt.Errorf("wallet: execute: missing transaction_hash")
	}
	return out.TransactionHash, nil
}

// Receipt fetches the current receipt. An unknown hash reports StatusPending.
func (c *Client) Receipt(ctx context.Context, txHash string) (Receipt, error) {
	if strings.TrimSpace(txHash) == "" {
		return Receipt{}, fmt.Errorf("%w: empty tx hash", ErrInvalidClientConfig)
	}
	var out Receipt
	status, msg, err := c.do(ctx, http.MethodGet, "/v1/receipt/"+url.PathEscape(txHash), nil, &out)
	if err != nil {
		return Receipt{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return Receipt{Status: StatusPending}, nil
	default:
		return Receipt{}, fmt.Errorf("wallet: receipt: status %d: %s", status, msg)
	}
	if out.Status == "" {
		out.Status = StatusPending
	}
	return out, nil
}

// WaitForReceipt polls until the transaction reaches a final status or ctx is done.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string) (Receipt, error) {
	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	for {
		r, err := c.Receipt(ctx, txHash)
		if err != nil {
			return Receipt{}, err
		}
		if r.Final() {
			if r.Status != StatusAccepted {
				return r, fmt.Errorf("%w: %s %s", ErrReverted, r.Status, r.Reason)
			}
			return r, nil
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, p string, in any, out any) (int, string, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return 0, "", fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, p)

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, "", fmt.Errorf("wallet: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return 0, "", fmt.Errorf("wallet: build request: %w", err)
	}
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return 0, "", fmt.Errorf("wallet: http do: %w", err)
	}
	defer resp.Body.Close()

	b, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return 0, "", err
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = resp.Status
		} else {
			var er struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(b, &er) == nil && er.Error != "" {
				msg = er.Error
			}
		}
		return resp.StatusCode, msg, nil
	}

	if err := json.Unmarshal(b, out); err != nil {
		return 0, "", fmt.Errorf("wallet: unmarshal response: %w", err)
	}
	return resp.StatusCode, "", nil
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("wallet: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("wallet: response too large")
	}
	return b, nil
}
