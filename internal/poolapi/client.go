// Package poolapi is a client for the proof and Merkle tree services of the shielded pool.
package poolapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/zkdefi/shield-client/internal/metrics"
)

var (
	ErrInvalidClientConfig = errors.New("poolapi: invalid client config")
	ErrMalformedResponse   = errors.New("poolapi: malformed response")
	ErrInvalidRequest      = errors.New("poolapi: invalid request")
)

// ServiceError is a non-success answer from a service. Message is the service's own text
// (its "detail" or "error" field) so it can be shown to the user unchanged.
type ServiceError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("poolapi: %s: status %d: %s", e.Endpoint, e.Status, e.Message)
}

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

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) error {
		if log != nil {
			c.log = log
		}
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
	log          *slog.Logger
	metrics      *metrics.Metrics
}

// NewClient builds a client rooted at baseURL, e.g. https://api.example/api/v1/zkdefi/full_privacy.
// Per-call deadlines come from the caller's context; the http.Client timeout is only a
// backstop for proof generation, which can take minutes.
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
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 5 * time.Minute},
		maxRespBytes: 4 << 20, // 4 MiB
		log:          slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
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

func (c *Client) GenerateCommitment(ctx context.Context, req GenerateCommitmentRequest) (CommitmentSecrets, error) {
	if strings.TrimSpace(req.UserAddress) == "" || strings.TrimSpace(req.Amount) == "" {
		return CommitmentSecrets{}, fmt.Errorf("%w: user address and amount required", ErrInvalidRequest)
	}
	const ep = "deposit/generate_commitment"
	var resp generateCommitmentResponse
	if err := c.do(ctx, http.MethodPost, ep, req, &resp); err != nil {
		return CommitmentSecrets{}, err
	}
	if resp.Commitment == "" {
		return CommitmentSecrets{}, c.missing(ep, resp.Detail, "commitment")
	}
	if resp.UserSecret == "" || resp.Nonce == "" || resp.Blinding == "" {
		return CommitmentSecrets{}, fmt.Errorf("%w: %s: missing secret fields", ErrMalformedResponse, ep)
	}
	out := CommitmentSecrets{
		Commitment: string(resp.Commitment),
		UserSecret: string(resp.UserSecret),
		Nonce:      string(resp.Nonce),
		Blinding:   string(resp.Blinding),
		Amount:     string(resp.Amount),
	}
	if out.Amount == "" {
		out.Amount = req.Amount
	}
	return out, nil
}

func (c *Client) GenerateWithdrawProof(ctx context.Context, req WithdrawProofRequest) (WithdrawProof, error) {
	if strings.TrimSpace(req.Recipient) == "" || strings.TrimSpace(req.WithdrawAmount) == "" {
		return WithdrawProof{}, fmt.Errorf("%w: recipient and withdraw amount required", ErrInvalidRequest)
	}
	if len(req.PathElements) != len(req.PathIndices) {
		return WithdrawProof{}, fmt.Errorf("%w: path elements/indices length mismatch", ErrInvalidRequest)
	}
	const ep = "withdraw/generate_proof"
	var resp withdrawProofResponse
	if err := c.do(ctx, http.MethodPost, ep, req, &resp); err != nil {
		return WithdrawProof{}, err
	}
	if resp.Nullifier == "" {
		return WithdrawProof{}, c.missing(ep, resp.Detail, "nullifier")
	}
	if resp.Root == "" {
		return WithdrawProof{}, fmt.Errorf("%w: %s: missing root", ErrMalformedResponse, ep)
	}
	if len(resp.ProofCalldata) == 0 {
		return WithdrawProof{}, fmt.Errorf("%w: %s: empty proof_calldata", ErrMalformedResponse, ep)
	}
	recipient := string(resp.Recipient)
	if recipient == "" {
		recipient = req.Recipient
	}
	return WithdrawProof{
		Nullifier:     string(resp.Nullifier),
		Root:          string(resp.Root),
		Recipient:     recipient,
		ProofCalldata: values(resp.ProofCalldata),
	}, nil
}

func (c *Client) RegisterCommitment(ctx context.Context, commitment string) (Inclusion, error) {
	if strings.TrimSpace(commitment) == "" {
		return Inclusion{}, fmt.Errorf("%w: empty commitment", ErrInvalidRequest)
	}
	const ep = "deposit/register_commitment"
	var resp registerResponse
	if err := c.do(ctx, http.MethodPost, ep, registerRequest{Commitment: commitment}, &resp); err != nil {
		return Inclusion{}, err
	}
	if resp.LeafIndex == nil {
		return Inclusion{}, c.missing(ep, resp.Detail, "leaf_index")
	}
	if *resp.LeafIndex < 0 {
		return Inclusion{}, fmt.Errorf("%w: %s: negative leaf_index %d", ErrMalformedResponse, ep, *resp.LeafIndex)
	}
	if len(resp.PathElements) != len(resp.PathIndices) {
		return Inclusion{}, fmt.Errorf("%w: %s: path elements/indices length mismatch", ErrMalformedResponse, ep)
	}
	return Inclusion{
		LeafIndex:    uint64(*resp.LeafIndex),
		MerkleRoot:   string(resp.MerkleRoot),
		PathElements: values(resp.PathElements),
		PathIndices:  resp.PathIndices,
	}, nil
}

func (c *Client) MerkleRoot(ctx context.Context) (string, error) {
	const ep = "merkle/root"
	var resp rootResponse
	if err := c.do(ctx, http.MethodGet, ep, nil, &resp); err != nil {
		return "", err
	}
	if resp.Root == "" {
		return "", c.missing(ep, resp.Detail, "root")
	}
	return string(resp.Root), nil
}

// FindCommitment asks the tree service to locate a commitment by its private fields. A
// commitment that is not in the tree is a successful result with Found false.
func (c *Client) FindCommitment(ctx context.Context, s Secrets) (FindResult, error) {
	const ep = "merkle/find_commitment"
	var resp findResponse
	if err := c.do(ctx, http.MethodPost, ep, s, &resp); err != nil {
		return FindResult{}, err
	}
	out := FindResult{Message: resp.Message}
	if out.Message == "" {
		out.Message = resp.Detail
	}
	if !resp.Found || resp.LeafIndex == nil {
		return out, nil
	}
	if *resp.LeafIndex < 0 {
		return FindResult{}, fmt.Errorf("%w: %s: negative leaf_index %d", ErrMalformedResponse, ep, *resp.LeafIndex)
	}
	idx := uint64(*resp.LeafIndex)
	out.Found = true
	out.LeafIndex = &idx
	out.MerkleRoot = string(resp.MerkleRoot)
	return out, nil
}

// Disclose requests a selective-disclosure proof about a commitment. A result with Verified
// false carries the service's reason in Message.
func (c *Client) Disclose(ctx context.Context, kind DisclosureKind, req DisclosureRequest) (DisclosureResult, error) {
	switch kind {
	case DiscloseBalanceAbove:
		if strings.TrimSpace(req.Threshold) == "" {
			return DisclosureResult{}, fmt.Errorf("%w: threshold required", ErrInvalidRequest)
		}
	case DisclosePoolMembership:
		req.Threshold = ""
	default:
		return DisclosureResult{}, fmt.Errorf("%w: unknown disclosure %q", ErrInvalidRequest, kind)
	}
	ep := "disclosure/" + string(kind)
	var resp DisclosureResult
	if err := c.do(ctx, http.MethodPost, ep, req, &resp); err != nil {
		return DisclosureResult{}, err
	}
	if !resp.Verified && resp.Message == "" {
		resp.Message = resp.Detail
	}
	return resp, nil
}

// missing reports a 2xx response without its required field. The service sometimes answers
// 200 with only a "detail" message; that is a service error, not a malformed payload.
func (c *Client) missing(ep, detail, field string) error {
	if strings.TrimSpace(detail) != "" {
		return &ServiceError{Endpoint: ep, Status: http.StatusOK, Message: detail}
	}
	return fmt.Errorf("%w: %s: missing %s", ErrMalformedResponse, ep, field)
}

func (c *Client) do(ctx context.Context, method, ep string, in any, out any) (err error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	start := time.Now()
	defer func() {
		c.metrics.ObserveRequest(ep, time.Since(start), err)
		if err != nil {
			c.log.Warn("service request failed", "endpoint", ep, "err", err)
		} else {
			c.log.Debug("service request", "endpoint", ep, "elapsed", time.Since(start))
		}
	}()

	u := *c.baseURL
	u.Path = joinPath(u.Path, ep)

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("poolapi: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("poolapi: build request: %w", err)
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
		return fmt.Errorf("poolapi: %s: http do: %w", ep, err)
	}
	defer resp.Body.Close()

	b, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ServiceError{Endpoint: ep, Status: resp.StatusCode, Message: errorMessage(b, resp.Status)}
	}

	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, ep, err)
	}
	return nil
}

func errorMessage(body []byte, status string) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return status
	}
	var er struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if json.Unmarshal(body, &er) != nil {
		return msg
	}
	if len(er.Detail) > 0 {
		var s string
		if json.Unmarshal(er.Detail, &s) == nil {
			if s != "" {
				return s
			}
		} else {
			// Validation failures carry a structured detail; keep it verbatim.
			return string(er.Detail)
		}
	}
	if er.Error != "" {
		return er.Error
	}
	return msg
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
		return nil, fmt.Errorf("poolapi: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("poolapi: response too large")
	}
	return b, nil
}
