package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 8 << 20

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	Name     string
	BaseURL  string
	Timeout  time.Duration
	RetryMax int
}

// HTTPBackend forwards requests to a service over HTTP. Transient failures
// (connection errors, 5xx on idempotent methods) are retried with backoff.
type HTTPBackend struct {
	name    string
	baseURL *url.URL
	client  *retryablehttp.Client
	logger  zerolog.Logger
}

// NewHTTP builds an HTTPBackend.
func NewHTTP(cfg HTTPConfig, logger zerolog.Logger) (*HTTPBackend, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend %s: invalid base url %q", cfg.Name, cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.Request != nil && !idempotent(resp.Request.Method) {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	// Return the last response instead of an error once retries are exhausted.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPBackend{
		name:    cfg.Name,
		baseURL: base,
		client:  client,
		logger:  logger.With().Str("component", "backend").Str("backend", cfg.Name).Logger(),
	}, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func (b *HTTPBackend) endpoint(path string) string {
	u := *b.baseURL
	u.Path = b.baseURL.Path + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

// Process forwards req and returns the backend's response. Non-2xx statuses are
// returned as responses, not errors.
func (b *HTTPBackend) Process(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, method, b.endpoint(req.Path), bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, fmt.Errorf("build %s request: %w", b.name, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.ID != "" {
		httpReq.Header.Set("X-Request-Id", req.ID)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%s request failed: %w", b.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read %s response: %w", b.name, err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return Response{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

// Health issues GET /healthz.
func (b *HTTPBackend) Health(ctx context.Context) error {
	resp, err := b.Process(ctx, Request{Method: http.MethodGet, Path: "/healthz"})
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("%s unhealthy: status %d", b.name, resp.Status)
	}
	return nil
}

// WriteEntity stores repr with PUT /entities/{id}.
func (b *HTTPBackend) WriteEntity(ctx context.Context, id string, repr []byte) error {
	resp, err := b.Process(ctx, Request{Method: http.MethodPut, Path: "/entities/" + url.PathEscape(id), Body: repr})
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("%s write entity %s: status %d", b.name, id, resp.Status)
	}
	return nil
}

// ReadEntity fetches GET /entities/{id}.
func (b *HTTPBackend) ReadEntity(ctx context.Context, id string) ([]byte, error) {
	resp, err := b.Process(ctx, Request{Method: http.MethodGet, Path: "/entities/" + url.PathEscape(id)})
	if err != nil {
		return nil, err
	}
	switch {
	case resp.Status == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.Status < 200 || resp.Status >= 300:
		return nil, fmt.Errorf("%s read entity %s: status %d", b.name, id, resp.Status)
	}
	return resp.Body, nil
}

// ListEntities fetches GET /entities?after={key}&limit={n}, which returns a JSON array.
func (b *HTTPBackend) ListEntities(ctx context.Context, after string, limit int) ([]EntityRecord, error) {
	u, err := url.Parse(b.endpoint("/entities"))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("after", after)
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", b.name, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s list entities: %w", b.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s list entities: status %d", b.name, resp.StatusCode)
	}
	var records []EntityRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode %s entity list: %w", b.name, err)
	}
	return records, nil
}
