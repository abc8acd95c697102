package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/questforge/relay/internal/logger"
)

// Backend collection paths
const (
	pathCommunications = "/rest/v1/communications"
	pathSequences      = "/rest/v1/message_sequences"
	pathSyncStatus     = "/rest/v1/sync_status"
	pathSession        = "/auth/v1/session"
)

// Client is an HTTP/JSON Backend implementation against the hosted backend's
// REST API
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	log       zerolog.Logger
}

var _ Backend = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithAuthToken sets the bearer token attached to every request
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = token
	}
}

// WithTimeout bounds individual backend requests
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a backend client for the given base URL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger.WithComponent("remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs one request with auth headers and classifies the outcome
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, RequestError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// InsertCommunication inserts a communication row
func (c *Client) InsertCommunication(ctx context.Context, record CommunicationRecord) error {
	_, err := c.do(ctx, "insert communication", http.MethodPost, pathCommunications, nil, record)
	return err
}

// UpsertSequence inserts or replaces a message sequence row by message id
func (c *Client) UpsertSequence(ctx context.Context, record SequenceRecord) error {
	query := url.Values{"on_conflict": {"message_id"}}
	_, err := c.do(ctx, "upsert sequence", http.MethodPost, pathSequences, query, record)
	return err
}

// GetSequence returns the sequence row for a message, or nil if absent
func (c *Client) GetSequence(ctx context.Context, messageID string) (*SequenceRecord, error) {
	query := url.Values{"message_id": {"eq." + messageID}}
	data, err := c.do(ctx, "get sequence", http.MethodGet, pathSequences, query, nil)
	if err != nil {
		return nil, err
	}

	var records []SequenceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode sequence response: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ListSequences returns all sequence rows ordered by sequence number
func (c *Client) ListSequences(ctx context.Context) ([]SequenceRecord, error) {
	query := url.Values{"order": {"sequence_number.asc"}}
	data, err := c.do(ctx, "list sequences", http.MethodGet, pathSequences, query, nil)
	if err != nil {
		return nil, err
	}

	var records []SequenceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode sequences response: %w", err)
	}
	return records, nil
}

// UpsertSyncStatus inserts or replaces an agent's sync status row
func (c *Client) UpsertSyncStatus(ctx context.Context, record SyncStatusRecord) error {
	query := url.Values{"on_conflict": {"agent_id"}}
	_, err := c.do(ctx, "upsert sync status", http.MethodPost, pathSyncStatus, query, record)
	return err
}

// ProbeSession validates connectivity and authentication against the
// session endpoint
func (c *Client) ProbeSession(ctx context.Context) error {
	_, err := c.do(ctx, "probe session", http.MethodGet, pathSession, nil, nil)
	return err
}
