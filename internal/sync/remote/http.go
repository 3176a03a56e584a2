package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wardrobekit/backend/internal/errors"
)

// IdempotencyKeyHeader carries the mutation id on every request.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxErrorBody bounds how much of a failed response is kept for the message.
const maxErrorBody = 4 << 10

// Client is a Backend speaking a small REST protocol:
//
//	POST   {base}/v1/collections/{collection}/records/{key}   create
//	PUT    {base}/v1/collections/{collection}/records/{key}   update
//	DELETE {base}/v1/collections/{collection}/records/{key}   delete
//	POST   {base}/v1/collections/{collection}/actions/{name}  custom
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

var _ Backend = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends a bearer token on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.ErrInvalid, "invalid remote base url %q", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateRecord implements Backend.
func (c *Client) CreateRecord(ctx context.Context, collection, key string, payload json.RawMessage, mutationID string) error {
	u, err := c.recordURL(collection, key)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, u, payload, mutationID, false)
}

// UpdateRecord implements Backend.
func (c *Client) UpdateRecord(ctx context.Context, collection, key string, payload json.RawMessage, mutationID string) error {
	u, err := c.recordURL(collection, key)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, u, payload, mutationID, false)
}

// DeleteRecord implements Backend. A record already gone counts as deleted.
func (c *Client) DeleteRecord(ctx context.Context, collection, key string, mutationID string) error {
	u, err := c.recordURL(collection, key)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, u, nil, mutationID, true)
}

// CustomAction implements Backend.
func (c *Client) CustomAction(ctx context.Context, collection, key, name string, payload json.RawMessage, mutationID string) error {
	body, err := json.Marshal(struct {
		Key     string          `json:"key,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{key, payload})
	if err != nil {
		return errors.Wrap(errors.ErrSyncPermanent, "failed to encode custom action", err)
	}
	u, err := c.join("v1", "collections", collection, "actions", name)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, u, body, mutationID, false)
}

func (c *Client) recordURL(collection, key string) (*url.URL, error) {
	return c.join("v1", "collections", collection, "records", key)
}

// join escapes each segment onto the base URL. Dot segments are rejected
// because path cleaning would turn them into a different resource.
func (c *Client) join(segments ...string) (*url.URL, error) {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return nil, errors.Newf(errors.ErrValidation, "%q cannot be addressed on the remote", seg)
		}
		escaped[i] = url.PathEscape(seg)
	}
	return c.base.JoinPath(escaped...), nil
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte, mutationID string, missingOK bool) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return errors.Wrap(errors.ErrSyncPermanent, "failed to build request", err)
	}
	req.Header.Set(IdempotencyKeyHeader, mutationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrSyncRetryable, fmt.Sprintf("%s %s", method, u.Path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && missingOK {
		return nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return Classify(resp.StatusCode, fmt.Sprintf("%s %s: %s %s", method, u.Path, resp.Status, bytes.TrimSpace(msg)))
}

// Classify maps a non-2xx HTTP status onto a sync error code.
func Classify(status int, message string) error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return errors.New(errors.ErrSyncRetryable, message)
	case status == http.StatusUnauthorized:
		// retried once the session is refreshed
		return errors.New(errors.ErrSyncAuthFailed, message)
	case status == http.StatusForbidden:
		return errors.New(errors.ErrPermission, message)
	case status == http.StatusConflict:
		return errors.New(errors.ErrSyncConflict, message)
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return errors.New(errors.ErrValidation, message)
	default:
		return errors.New(errors.ErrSyncPermanent, message)
	}
}
