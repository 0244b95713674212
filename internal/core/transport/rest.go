package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Jastroger/ha-nest-protect/internal/core/auth"
)

// TransportError is a transient network or server failure. It is never
// retried at this layer; retry policy with backoff belongs to the
// synchronizer.
type TransportError struct {
	Op     string
	Status int // 0 for network-level failures
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: %s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TokenSource hands out valid credentials and supports a forced refresh.
// *auth.TokenManager satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (auth.Credential, error)
	ForceRefresh(ctx context.Context) (auth.Credential, error)
}

// Object is the wire DTO shared by the snapshot fetch, the subscribe stream
// and the write path.
type Object struct {
	ObjectKey       string         `json:"object_key"`
	ObjectRevision  int64          `json:"object_revision,omitempty"`
	ObjectTimestamp int64          `json:"object_timestamp,omitempty"`
	Op              string         `json:"op,omitempty"`
	Value           map[string]any `json:"value,omitempty"`
}

// ServiceURLs carries the per-session endpoints returned by app_launch.
type ServiceURLs struct {
	URLs struct {
		TransportURL string `json:"transport_url"`
		CzfeURL      string `json:"czfe_url"`
	} `json:"urls"`
}

// LaunchResponse is the app_launch payload: the full bucket snapshot plus the
// session service URLs.
type LaunchResponse struct {
	UpdatedBuckets []Object    `json:"updated_buckets"`
	ServiceURLs    ServiceURLs `json:"service_urls"`
	TwoFAEnabled   bool        `json:"2fa_enabled"`
}

// Client is the authenticated REST client for the device API. Every request
// carries the current session JWT; one auth rejection forces a single
// credential refresh and retry, a second rejection surfaces ErrAuthExpired.
type Client struct {
	base   string
	tokens TokenSource
	httpc  *http.Client
	log    *slog.Logger
}

// NewClient creates a REST client against the given API host.
func NewClient(base string, tokens TokenSource, log *slog.Logger) *Client {
	return &Client{
		base:   base,
		tokens: tokens,
		httpc:  &http.Client{},
		log:    log,
	}
}

// Launch performs the full bucket snapshot fetch for the given bucket types.
func (c *Client) Launch(ctx context.Context, bucketTypes []string) (*LaunchResponse, error) {
	cred, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"known_bucket_types":    bucketTypes,
		"known_bucket_versions": []any{},
	}
	path := fmt.Sprintf("%s/api/0.1/user/%s/app_launch", c.base, cred.UserID)

	var launch LaunchResponse
	if err := c.doJSON(ctx, "app_launch", path, body, &launch); err != nil {
		return nil, err
	}
	return &launch, nil
}

// PutObjects sends MERGE writes through the session write endpoint.
func (c *Client) PutObjects(ctx context.Context, czfeURL string, objects []Object) error {
	body := map[string]any{"objects": objects}
	return c.doJSON(ctx, "put", czfeURL+"/v5/put", body, nil)
}

// doJSON posts body as JSON and decodes the response into out (when non-nil),
// applying the refresh-once-and-retry rule on auth rejections.
func (c *Client) doJSON(ctx context.Context, op, url string, body any, out any) error {
	resp, err := c.post(ctx, op, url, body)
	if err != nil {
		return err
	}

	if authRejected(resp.StatusCode) {
		drain(resp)
		c.log.Warn("auth rejected, forcing credential refresh", "op", op, "status", resp.StatusCode)
		if _, err := c.tokens.ForceRefresh(ctx); err != nil {
			return err
		}
		resp, err = c.post(ctx, op, url, body)
		if err != nil {
			return err
		}
		if authRejected(resp.StatusCode) {
			drain(resp)
			return fmt.Errorf("%w: %s rejected after refresh", auth.ErrAuthExpired, op)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, url string, body any) (*http.Response, error) {
	cred, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	setAuthHeaders(req.Header, cred)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	return resp, nil
}

func setAuthHeaders(h http.Header, cred auth.Credential) {
	h.Set("Authorization", "Basic "+cred.JWT)
	h.Set("X-nl-user-id", cred.UserID)
	h.Set("X-nl-protocol-version", "1")
}

func authRejected(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	resp.Body.Close()
}
