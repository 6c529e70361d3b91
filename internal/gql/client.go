package gql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gaspardpetit/pushql/internal/logx"
	"github.com/gaspardpetit/pushql/internal/stream"
)

// maxResponseBytes bounds the body read from the upstream server.
const maxResponseBytes = 16 << 20

// ErrEmptyBody indicates the upstream answered without a GraphQL envelope.
var ErrEmptyBody = errors.New("empty graphql response")

// StatusError is returned when the upstream answers with a non-2xx status
// and a body that is not a GraphQL envelope.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graphql upstream: status %d: %s", e.StatusCode, e.Body)
}

// Client dispatches operations to a GraphQL endpoint over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	header   http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.http
		hc.Timeout = d
		c.http = &hc
	}
}

// NewClient returns a Client for the given endpoint URL.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{endpoint: endpoint, http: &http.Client{}, header: http.Header{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do sends op and decodes the response envelope. GraphQL errors inside a
// decoded envelope are not Go errors; callers inspect Response.Errors.
func (c *Client) Do(ctx context.Context, op *Operation) (*Response, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/graphql-response+json, application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out Response
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// graphql-over-http servers may answer 4xx with a valid envelope
		if decodeErr == nil && (out.Data != nil || len(out.Errors) > 0) {
			return &out, nil
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyBody
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	return &out, nil
}

// Forward runs op in the background and reports the single response to obs
// followed by completion, or an error. Unsubscribe cancels the request and
// suppresses any further notification.
func (c *Client) Forward(op *Operation, obs stream.Observer[*Response]) stream.Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		resp, err := c.Do(ctx, op)
		if ctx.Err() != nil {
			logx.Log.Debug().Str("operation", op.OperationName).Msg("upstream request cancelled")
			return
		}
		if err != nil {
			obs.Error(err)
			return
		}
		obs.Next(resp)
		obs.Complete()
	}()
	return stream.SubscriptionFunc(cancel)
}
