// Package store is the client for the persisted row store exposed by the
// sync hub. Queries and mutations travel as JSON over HTTP; the hub always
// answers 200 with a {data, error} envelope.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Mutation operations accepted by the store.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Error is a structured store failure from the envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %s", e.Code, e.Message)
}

// Query selects rows from one table, optionally narrowed by a
// "column=eq.value" filter.
type Query struct {
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Mutation is one row-level write.
type Mutation struct {
	Table  string         `json:"table"`
	Op     string         `json:"op"`
	Row    map[string]any `json:"row,omitempty"`
	Filter string         `json:"filter,omitempty"`
}

// MutationResult reports the committed state of a mutation. Deleting a row
// that is already gone succeeds with Deleted false.
type MutationResult struct {
	Row     map[string]any `json:"row,omitempty"`
	Deleted bool           `json:"deleted"`
}

// Client reads and writes rows in the persisted store.
type Client interface {
	Query(ctx context.Context, q Query) ([]map[string]any, error)
	Mutate(ctx context.Context, m Mutation) (MutationResult, error)
}

// HTTPClient talks to the sync hub's /query and /mutate endpoints.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (c *HTTPClient) Query(ctx context.Context, q Query) ([]map[string]any, error) {
	var rows []map[string]any
	if err := c.post(ctx, "/query", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *HTTPClient) Mutate(ctx context.Context, m Mutation) (MutationResult, error) {
	var result MutationResult
	if err := c.post(ctx, "/mutate", m, &result); err != nil {
		return MutationResult{}, err
	}
	return result, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call store %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("store %s: unexpected status %d", path, resp.StatusCode)
	}

	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error *Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode store %s response: %w", path, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode store %s data: %w", path, err)
	}
	return nil
}
