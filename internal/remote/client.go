// Package remote is the HTTP client for the platform backend: workbook
// responses, migration ingestion and the health probe.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/workbook/internal/logging"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

// ErrBaseURLRequired is returned by New when no base URL is configured.
var ErrBaseURLRequired = errors.New("api base url is required")

const probeTimeout = 3 * time.Second

// Client talks to the backend REST API.
type Client struct {
	baseURL    *url.URL
	token      string
	http       *http.Client
	maxRetries int
	backoff    func() *backoff.ExponentialBackOff
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// WithInitialBackoff sets the first retry interval.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.backoff = func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = d
			b.MaxInterval = 20 * d
			return b
		}
	}
}

// New builds a client from cfg.
func New(cfg types.APIConfig, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLRequired
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse base url: unsupported scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:    u,
		token:      cfg.Token,
		http:       &http.Client{Timeout: cfg.GetTimeout()},
		maxRetries: cfg.MaxRetries,
		backoff:    backoff.NewExponentialBackOff,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ResponsesRequest is the body of a workbook responses save.
type ResponsesRequest struct {
	UserID    string            `json:"-"`
	Step      string            `json:"-"`
	Variant   string            `json:"variant,omitempty"`
	Responses map[string]string `json:"responses"`
}

// SaveResult is the backend acknowledgement of a save.
type SaveResult struct {
	SavedAt time.Time `json:"saved_at"`
	Version int64     `json:"version"`
}

// SaveResponses stores the given field responses for one workbook step.
func (c *Client) SaveResponses(ctx context.Context, req ResponsesRequest) (*SaveResult, error) {
	if req.UserID == "" || req.Step == "" {
		return nil, types.ErrInvalidSession
	}
	path := fmt.Sprintf("/api/workbook/%s/steps/%s/responses",
		url.PathEscape(req.UserID), url.PathEscape(req.Step))
	if req.Variant != "" {
		path += "?variant=" + url.QueryEscape(req.Variant)
	}

	var out SaveResult
	if err := c.do(ctx, http.MethodPut, path, req, &out); err != nil {
		return nil, fmt.Errorf("save responses for step %s: %w", req.Step, err)
	}
	return &out, nil
}

// Upload sends one migrated record.
func (c *Client) Upload(ctx context.Context, domain string, item types.MigrationItem) error {
	path := "/api/migrations/" + url.PathEscape(domain)
	if err := c.do(ctx, http.MethodPost, path, item, nil); err != nil {
		return fmt.Errorf("upload %s: %w", item.RecordKey, err)
	}
	return nil
}

type batchRequest struct {
	Items []types.MigrationItem `json:"items"`
}

type batchResponse struct {
	Results []struct {
		RecordKey string `json:"record_key"`
		OK        bool   `json:"ok"`
		Error     string `json:"error,omitempty"`
	} `json:"results"`
}

// UploadBatch sends several records in one call. The returned map holds the
// per-record failures; records the server does not mention count as failed.
// A non-nil error means the whole call failed.
func (c *Client) UploadBatch(ctx context.Context, domain string, items []types.MigrationItem) (map[string]error, error) {
	path := "/api/migrations/" + url.PathEscape(domain) + "/batch"
	var out batchResponse
	if err := c.do(ctx, http.MethodPost, path, batchRequest{Items: items}, &out); err != nil {
		return nil, fmt.Errorf("upload batch of %d: %w", len(items), err)
	}

	acked := make(map[string]bool, len(out.Results))
	failed := make(map[string]error)
	for _, r := range out.Results {
		if r.OK {
			acked[r.RecordKey] = true
			continue
		}
		failed[r.RecordKey] = &APIError{StatusCode: http.StatusUnprocessableEntity, Message: r.Error}
	}
	for _, it := range items {
		if !acked[it.RecordKey] {
			if _, ok := failed[it.RecordKey]; !ok {
				failed[it.RecordKey] = fmt.Errorf("record %s not acknowledged", it.RecordKey)
			}
		}
	}
	return failed, nil
}

// Ping checks the backend health endpoint once, without retries.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return c.attempt(ctx, http.MethodGet, "/api/health", nil, nil)
}

// Online reports whether the backend can be reached. A reachable backend
// answering with an error status still counts as online.
func (c *Client) Online(ctx context.Context) bool {
	err := c.Ping(ctx)
	return err == nil || !errors.Is(err, types.ErrUnreachable)
}

// do performs the request, retrying transport failures and gateway errors
// with exponential backoff up to maxRetries times.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	attempt := 0
	op := func() error {
		attempt++
		err := c.attempt(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.temporary() {
			return backoff.Permanent(err)
		}
		c.logger.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	b := c.backoff()
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx))
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", types.ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
