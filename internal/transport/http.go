// Package transport provides the HTTP transport used for brokerage REST calls.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"resty.dev/v3"
)

// Config holds the HTTP transport settings. Values are used as given:
// core.Config.Validate checks the base URL and timeout they come from.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// Client wraps a resty HTTP client with logging.
// It performs exactly one round trip per call: retries are a policy decision of the caller.
type Client struct {
	client *resty.Client
	logger zerolog.Logger
	mu     sync.RWMutex
	closed bool
}

// Request is one HTTP round trip.
type Request struct {
	Method  string
	Path    string
	Query   map[string]string
	Body    any
	Headers map[string]string
}

// Response represents an HTTP response with its status code, body, and headers.
type Response struct {
	// StatusCode is the HTTP status code returned by the server.
	StatusCode int

	// Body contains the raw response body bytes.
	Body []byte

	// Header contains the response headers.
	Header http.Header
}

// NewClient creates a new HTTP client with the specified configuration.
func NewClient(config Config, logger zerolog.Logger) *Client {
	client := resty.New()
	client.SetBaseURL(config.BaseURL)
	client.SetTimeout(config.Timeout)
	client.SetRetryCount(0)

	for k, v := range config.Headers {
		client.SetHeader(k, v)
	}

	client.AddRequestMiddleware(func(_ *resty.Client, req *resty.Request) error {
		logger.Debug().
			Str("method", req.Method).
			Str("url", req.URL).
			Msg("http request")
		return nil
	})

	return &Client{
		client: client,
		logger: logger,
	}
}

// Do executes an HTTP request and returns the response.
// A non-nil error always means no response was received.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errors.New("client is closed")
	}

	r := c.client.R().SetContext(ctx)

	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}

	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}

	if req.Body != nil {
		data, err := sonic.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		r.SetBody(data)
	}

	var resp *resty.Response
	var err error

	switch req.Method {
	case http.MethodGet:
		resp, err = r.Get(req.Path)
	case http.MethodPost:
		resp, err = r.Post(req.Path)
	default:
		return nil, fmt.Errorf("unsupported http method: %s", req.Method)
	}

	if err != nil {
		c.logger.Error().Err(err).
			Str("method", req.Method).
			Str("path", req.Path).
			Msg("http request failed")
		return nil, fmt.Errorf("http request: %w", err)
	}

	body := resp.Bytes()
	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode()).
		Int("size", len(body)).
		Msg("http response")

	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       body,
		Header:     resp.Header(),
	}, nil
}

// Get performs an HTTP GET request to the specified path with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, query map[string]string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query, Headers: headers})
}

// Post performs an HTTP POST request to the specified path with the given JSON body.
func (c *Client) Post(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body, Headers: headers})
}

// Close releases the underlying client. Further calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// IsSuccess returns true if the response status code indicates success (2xx).
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError returns true if the response status code indicates an error (4xx or 5xx).
func (r *Response) IsError() bool {
	return r.StatusCode >= http.StatusBadRequest
}

// Unmarshal parses the response body into the provided value using sonic.
func (r *Response) Unmarshal(v any) error {
	return sonic.Unmarshal(r.Body, v)
}
