// Package transport dispatches courier request descriptors over HTTP and
// hosts the process-wide stub registry tests substitute responders into.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/cjohansen/courier/pkg/types"
)

// Doer issues one request descriptor and produces a response descriptor or
// a transport error. Non-2xx statuses are responses, not errors.
type Doer interface {
	Do(ctx context.Context, req *types.Request) (*types.Response, error)
}

// Config tunes the HTTP transport's client.
type Config struct {
	Timeout             time.Duration `yaml:"timeout"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// HTTP is the net/http backed Doer.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP transport with pooled connections.
func NewHTTP(cfg Config) *HTTP {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	return &HTTP{client: &http.Client{Transport: transport, Timeout: cfg.Timeout}}
}

// Do issues the request and decodes the response per the request's As hint.
func (t *HTTP) Do(ctx context.Context, req *types.Request) (*types.Response, error) {
	httpReq, err := buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &types.Response{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    decodeBody(data, req.As),
		Raw:     resp,
	}, nil
}

func buildHTTPRequest(ctx context.Context, req *types.Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", req.URL, err)
	}
	if len(req.QueryParams) > 0 {
		q := u.Query()
		for k, v := range req.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.BasicAuth != nil {
		httpReq.SetBasicAuth(req.BasicAuth.Username, req.BasicAuth.Password)
	}
	return httpReq, nil
}

func encodeBody(req *types.Request) (io.Reader, string, error) {
	if len(req.FormParams) > 0 {
		form := url.Values{}
		for k, v := range req.FormParams {
			form.Set(k, v)
		}
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
	}
	if req.Body == nil {
		return nil, "", nil
	}

	switch req.ContentType {
	case types.ContentText:
		return strings.NewReader(fmt.Sprint(req.Body)), "text/plain", nil
	case types.ContentForm:
		return nil, "", fmt.Errorf("form content type requires form params")
	default:
		if raw, ok := req.Body.([]byte); ok {
			return bytes.NewReader(raw), "application/octet-stream", nil
		}
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func decodeBody(data []byte, as string) any {
	if len(data) == 0 {
		return nil
	}
	switch as {
	case types.AsBytes:
		return data
	case types.AsText:
		return string(data)
	default:
		var body any
		if err := json.Unmarshal(data, &body); err != nil {
			return string(data)
		}
		return body
	}
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
