// Package mee talks to a MEE node: it prices supertransactions, submits
// signed quotes and reads their execution status.
package mee

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
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/execution"
	"OpenMEE-Chain/internal/supertx"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

var (
	_ supertx.Quoter  = (*Client)(nil)
	_ execution.Relay = (*Client)(nil)
)

// Client wraps the MEE node REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// NewClient creates a client for the node at rawURL, e.g. http://localhost:3000/v3.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("invalid MEE node url %q", rawURL))
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// APIError is a non-2xx answer from the node.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("mee node error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mee node error (%d): %s", e.StatusCode, e.Message)
}

type execRequest struct {
	Hash      common.Hash   `json:"hash"`
	Signature hexutil.Bytes `json:"signature"`
	Quote     supertx.Quote `json:"quote"`
}

type execResponse struct {
	Hash string `json:"hash"`
}

type explorerResponse struct {
	Hash              string `json:"hash"`
	TransactionStatus string `json:"transactionStatus"`
	Confirmations     uint64 `json:"confirmations"`
	BlockNumber       uint64 `json:"blockNumber"`
	Reason            string `json:"reason"`
}

// Quote prices a batch. A 4xx answer (bad trigger, no liquidity) is
// QUOTE_UNAVAILABLE; transport failures and 5xx are RELAY_UNAVAILABLE.
func (c *Client) Quote(ctx context.Context, req supertx.QuoteRequest) (supertx.Quote, error) {
	var q supertx.Quote
	if err := c.post(ctx, "/quote", req, &q); err != nil {
		return supertx.Quote{}, classify(err, xerrors.CodeQuoteUnavailable)
	}
	if q.IsZero() {
		return supertx.Quote{}, xerrors.New(xerrors.CodeQuoteUnavailable, "node returned a quote without hash")
	}
	return q, nil
}

// Submit sends a signed quote for execution and returns the supertransaction hash.
func (c *Client) Submit(ctx context.Context, signed supertx.SignedQuote) (supertx.Handle, error) {
	payload := execRequest{Hash: signed.Quote.Hash, Signature: signed.Signature, Quote: signed.Quote}
	var out execResponse
	if err := c.post(ctx, "/exec", payload, &out); err != nil {
		return "", classify(err, xerrors.CodeInvalidArgument, xerrors.WithMetadata("hash", signed.Quote.Hash.Hex()))
	}
	if out.Hash == "" {
		return "", xerrors.New(xerrors.CodeRelayUnavailable, "node returned no supertransaction hash")
	}
	return supertx.Handle(out.Hash), nil
}

// Status reads the explorer view of handle. A 404 means the node has not
// indexed it yet and is reported as a retryable RELAY_UNAVAILABLE.
func (c *Client) Status(ctx context.Context, handle supertx.Handle) (execution.Snapshot, error) {
	var out explorerResponse
	if err := c.get(ctx, "/explorer/"+url.PathEscape(handle.String()), &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return execution.Snapshot{}, xerrors.Wrap(xerrors.CodeRelayUnavailable, err, "supertransaction not indexed yet",
				xerrors.WithMetadata("handle", handle.String()))
		}
		return execution.Snapshot{}, classify(err, xerrors.CodeInvalidArgument, xerrors.WithMetadata("handle", handle.String()))
	}
	status := execution.Status(out.TransactionStatus)
	if !status.Known() {
		return execution.Snapshot{}, xerrors.New(xerrors.CodeRelayUnavailable,
			fmt.Sprintf("unknown transaction status %q", out.TransactionStatus),
			xerrors.WithMetadata("handle", handle.String()))
	}
	return execution.Snapshot{
		Status:        status,
		Confirmations: out.Confirmations,
		BlockNumber:   out.BlockNumber,
		Reason:        out.Reason,
	}, nil
}

// classify maps 4xx answers to clientCode and everything else (transport
// errors, 5xx) to RELAY_UNAVAILABLE.
func classify(err error, clientCode xerrors.Code, opts ...xerrors.Option) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		opts = append(opts, xerrors.WithMetadata("http_status", strconv.Itoa(apiErr.StatusCode)))
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return xerrors.Wrap(clientCode, err, apiErr.Message, opts...)
		}
	}
	return xerrors.Wrap(xerrors.CodeRelayUnavailable, err, "", opts...)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Message == "" {
				apiErr.Message = string(bytes.TrimSpace(data))
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
