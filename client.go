package homesync

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"
)

// ChangeType classifies a server-side entity change.
type ChangeType string

const (
	// ChangeCreated is a record created on the server.
	ChangeCreated ChangeType = "created"

	// ChangeUpdated is a record updated on the server.
	ChangeUpdated ChangeType = "updated"

	// ChangeDeleted is a record tombstoned on the server.
	ChangeDeleted ChangeType = "deleted"
)

// PushStatus is the server's per-record disposition for a pushed entity.
type PushStatus string

const (
	// PushSuccess means the server accepted the record.
	PushSuccess PushStatus = "success"

	// PushConflict means the server holds a newer version; its copy wins.
	PushConflict PushStatus = "conflict"

	// PushError means the server rejected the record.
	PushError PushStatus = "error"
)

// EntityChange is one server-side change delivered by a pull.
type EntityChange struct {
	EntityID        string          `json:"entityId"`
	ChangeType      ChangeType      `json:"changeType"`
	Data            json.RawMessage `json:"data,omitempty"`
	DeletedAt       *time.Time      `json:"deletedAt,omitempty"`
	Version         int             `json:"version"`
	ClientUpdatedAt time.Time       `json:"clientUpdatedAt"`
}

// PullRequest asks the server for changes since a checkpoint.
type PullRequest struct {
	EntityType     EntityType `json:"entityType"`
	Since          *time.Time `json:"since,omitempty"`
	IncludeDeleted bool       `json:"includeDeleted"`
	Checkpoint     string     `json:"checkpoint,omitempty"`
	UserID         string     `json:"userId,omitempty"`
}

// PullResponse carries the server's change set and new checkpoint material.
type PullResponse struct {
	Success         bool           `json:"success"`
	Changes         []EntityChange `json:"changes"`
	ServerTimestamp time.Time      `json:"serverTimestamp"`
	LatestVersion   int64          `json:"latestVersion"`
}

// PushEntity is one locally pending record in wire form.
type PushEntity struct {
	EntityID        string          `json:"entityId"`
	Data            json.RawMessage `json:"data,omitempty"`
	Version         int             `json:"version"`
	ClientUpdatedAt time.Time       `json:"clientUpdatedAt"`
	Deleted         bool            `json:"deleted,omitempty"`
	DeletedAt       *time.Time      `json:"deletedAt,omitempty"`
}

// PushRequest submits locally pending records.
type PushRequest struct {
	EntityType EntityType   `json:"entityType"`
	Entities   []PushEntity `json:"entities"`
	UserID     string       `json:"userId,omitempty"`
}

// PushResult is the server's disposition for one pushed record.
type PushResult struct {
	EntityID      string        `json:"entityId"`
	Status        PushStatus    `json:"status"`
	ServerVersion int           `json:"serverVersion,omitempty"`
	Conflict      *EntityChange `json:"conflict,omitempty"`
}

// PushResponse carries per-record dispositions.
type PushResponse struct {
	Success         bool         `json:"success"`
	Results         []PushResult `json:"results"`
	ServerTimestamp time.Time    `json:"serverTimestamp"`
}

// BatchSyncRequest combines pulls and pushes for several entity types in one
// round-trip.
type BatchSyncRequest struct {
	Pulls  []PullRequest `json:"pulls,omitempty"`
	Pushes []PushRequest `json:"pushes,omitempty"`
}

// BatchSyncResponse carries the per-type results of a batch sync.
type BatchSyncResponse struct {
	Success         bool                         `json:"success"`
	Pulls           map[EntityType]*PullResponse `json:"pulls,omitempty"`
	Pushes          map[EntityType]*PushResponse `json:"pushes,omitempty"`
	ServerTimestamp time.Time                    `json:"serverTimestamp"`
}

// APIClient is the remote sync endpoint contract.
type APIClient interface {
	PullEntities(ctx context.Context, req PullRequest) (*PullResponse, error)
	PushEntities(ctx context.Context, req PushRequest) (*PushResponse, error)
	BatchSync(ctx context.Context, req BatchSyncRequest) (*BatchSyncResponse, error)
}

// APIError is a non-2xx response from the sync endpoint. The body is kept
// for diagnostic logging.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sync API error %d: %s", e.StatusCode, e.Body)
}

// PayloadCompression selects the request body encoding.
type PayloadCompression string

const (
	// CompressionNone sends plain JSON.
	CompressionNone PayloadCompression = "none"

	// CompressionSnappy sends snappy-compressed JSON.
	CompressionSnappy PayloadCompression = "snappy"

	// CompressionGzip sends gzip-compressed JSON.
	CompressionGzip PayloadCompression = "gzip"
)

// TransportConfig configures the HTTP sync client.
type TransportConfig struct {
	// BaseURL is the sync endpoint root, e.g. "https://api.example.com/sync".
	BaseURL string `yaml:"base_url"`

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string `yaml:"auth_token"`

	// Timeout bounds a single round-trip.
	Timeout time.Duration `yaml:"timeout"`

	// Compression selects the request payload encoding.
	Compression PayloadCompression `yaml:"compression"`

	// BreakerMaxFailures opens the circuit after this many consecutive
	// failures. 0 disables the breaker.
	BreakerMaxFailures int `yaml:"breaker_max_failures"`

	// BreakerResetTimeout is how long the circuit stays open.
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// DefaultTransportConfig returns default transport configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Timeout:             30 * time.Second,
		Compression:         CompressionSnappy,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// HTTPClient implements APIClient over HTTP with optional payload
// compression and a circuit breaker around every round-trip.
type HTTPClient struct {
	config  TransportConfig
	client  *http.Client
	breaker *CircuitBreaker
}

// NewHTTPClient creates a sync API client.
func NewHTTPClient(config TransportConfig) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("transport base URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Compression == "" {
		config.Compression = CompressionNone
	}

	c := &HTTPClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
	if config.BreakerMaxFailures > 0 {
		c.breaker = NewCircuitBreaker(config.BreakerMaxFailures, config.BreakerResetTimeout)
	}
	return c, nil
}

// PullEntities fetches server changes since the request's checkpoint.
func (c *HTTPClient) PullEntities(ctx context.Context, req PullRequest) (*PullResponse, error) {
	var resp PullResponse
	if err := c.request(ctx, http.MethodPost, "/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PushEntities submits locally pending records.
func (c *HTTPClient) PushEntities(ctx context.Context, req PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.request(ctx, http.MethodPost, "/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchSync runs multiple pulls and pushes in one round-trip.
func (c *HTTPClient) BatchSync(ctx context.Context, req BatchSyncRequest) (*BatchSyncResponse, error) {
	var resp BatchSyncResponse
	if err := c.request(ctx, http.MethodPost, "/batch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BreakerState reports the transport circuit breaker state, or "disabled".
func (c *HTTPClient) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State()
}

// request performs one round-trip: encode, compress, send, decode. Non-2xx
// responses become an *APIError carrying status and body.
func (c *HTTPClient) request(ctx context.Context, method, path string, body, out any) error {
	op := func() error {
		return c.roundTrip(ctx, method, path, body, out)
	}
	if c.breaker != nil {
		return c.breaker.Execute(op)
	}
	return op()
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	encoded, encoding, err := c.compress(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "snappy, gzip")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	decoded, err := decodeBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return err
	}
	if out == nil || len(decoded) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) compress(payload []byte) ([]byte, string, error) {
	switch c.config.Compression {
	case CompressionSnappy:
		return snappy.Encode(nil, payload), "snappy", nil
	case CompressionGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err != nil {
			return nil, "", err
		}
		if err := gw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "gzip", nil
	default:
		return payload, "", nil
	}
}

func decodeBody(raw []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "snappy":
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return decoded, nil
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gr.Close()
		decoded, err := io.ReadAll(gr)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		return decoded, nil
	default:
		return raw, nil
	}
}
