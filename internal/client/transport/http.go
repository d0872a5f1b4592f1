// Package transport talks to the sync server: JSON over HTTP for the
// reconciliation calls and a websocket subscription for change hints.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/event"
)

// TokenSource yields the current access token for outgoing requests.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource returning a fixed token, for tests and
// long-lived service credentials.
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

// HashResult is the server's digest of a wallet's event log.
type HashResult struct {
	Hash  string `json:"hash"`
	Count int64  `json:"count"`
}

// PushRejection reports one event the server refused, with a machine
// readable reason (common.Reject* values).
type PushRejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// PushResult partitions a pushed batch into accepted ids and rejections.
type PushResult struct {
	Accepted []string        `json:"accepted"`
	Rejected []PushRejection `json:"rejected"`
}

type eventsResponse struct {
	Events []event.Event `json:"events"`
}

type pushRequest struct {
	WalletID string        `json:"wallet_id"`
	Events   []event.Event `json:"events"`
}

// HTTPClient implements the sync wire contract against a base URL.
type HTTPClient struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// NewHTTPClient returns a client for the API rooted at baseURL
// (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL string, tokens TokenSource) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		tokens:  tokens,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}
	req.Header.Set(common.AccessTokenHeaderName, "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return common.ErrAuthDeclined
	case resp.StatusCode == http.StatusForbidden:
		return common.ErrPermissionDenied
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// Hash fetches the server-side digest for the wallet.
func (c *HTTPClient) Hash(ctx context.Context, walletID string) (*HashResult, error) {
	var out HashResult
	q := url.Values{"wallet_id": {walletID}}
	if err := c.do(ctx, http.MethodGet, "/api/sync/hash", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EventsSince pulls the wallet's events created strictly after since,
// ordered by (created_at, id). An empty since pulls the whole log.
func (c *HTTPClient) EventsSince(ctx context.Context, walletID, since string) ([]event.Event, error) {
	var out eventsResponse
	q := url.Values{"wallet_id": {walletID}}
	if since != "" {
		q.Set("since", since)
	}
	if err := c.do(ctx, http.MethodGet, "/api/sync/events", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Push submits locally created events and returns the server's verdict
// per event.
func (c *HTTPClient) Push(ctx context.Context, walletID string, events []event.Event) (*PushResult, error) {
	var out PushResult
	body := pushRequest{WalletID: walletID, Events: events}
	if err := c.do(ctx, http.MethodPost, "/api/sync/events", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
