// Package remote is the client of the hosted data service. The service is
// addressed by table name and supports filtered select, insert, update by
// key and delete by key, each returning a row or a structured error.
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

	"github.com/oapi-codegen/runtime"
)

// ErrNetworkUnavailable marks a connectivity failure, including timeouts.
// It is the only error class that causes an operation to be queued.
var ErrNetworkUnavailable = errors.New("network unavailable")

// RejectionError is a structured refusal from the service. It is surfaced to
// the caller and never queued.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("remote rejected request: %s (%s)", e.Message, e.Code)
}

// RequestEditorFn is the function signature for the RequestEditor callback function.
type RequestEditorFn func(ctx context.Context, req *http.Request) error

// HttpRequestDoer performs HTTP requests.
//
// The standard http.Client implements this interface.
type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the remote data service.
type Client struct {
	// The endpoint of the server, with scheme. May contain a path prefix;
	// table paths are appended to it.
	Server string

	// Doer for performing requests, typically a *http.Client with any
	// customized settings, such as certificate chains or a bounded timeout.
	Client HttpRequestDoer

	// A list of callbacks for modifying requests which are generated before
	// sending over the network.
	RequestEditors []RequestEditorFn
}

// ClientOption allows setting custom parameters during construction.
type ClientOption func(*Client) error

// NewClient creates a new Client with reasonable defaults.
func NewClient(server string, opts ...ClientOption) (*Client, error) {
	client := Client{
		Server: server,
	}
	for _, o := range opts {
		if err := o(&client); err != nil {
			return nil, err
		}
	}
	if !strings.HasSuffix(client.Server, "/") {
		client.Server += "/"
	}
	if client.Client == nil {
		client.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return &client, nil
}

// WithHTTPClient allows overriding the default Doer, which is useful for
// tests and for setting the per-request timeout.
func WithHTTPClient(doer HttpRequestDoer) ClientOption {
	return func(c *Client) error {
		c.Client = doer
		return nil
	}
}

// WithRequestEditorFn allows setting up a callback function, which will be
// called right before sending the request. This can be used to mutate the
// request, e.g. to attach an authorization header.
func WithRequestEditorFn(fn RequestEditorFn) ClientOption {
	return func(c *Client) error {
		c.RequestEditors = append(c.RequestEditors, fn)
		return nil
	}
}

func (c *Client) applyEditors(ctx context.Context, req *http.Request) error {
	for _, r := range c.RequestEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) tableURL(table string, key string) (string, error) {
	serverURL, err := url.Parse(c.Server)
	if err != nil {
		return "", err
	}
	tableParam, err := runtime.StyleParamWithLocation("simple", false, "table", runtime.ParamLocationPath, table)
	if err != nil {
		return "", err
	}
	operationPath := fmt.Sprintf("/tables/%s/rows", tableParam)
	if key != "" {
		keyParam, err := runtime.StyleParamWithLocation("simple", false, "key", runtime.ParamLocationPath, key)
		if err != nil {
			return "", err
		}
		operationPath += "/" + keyParam
	}
	if operationPath[0] == '/' {
		operationPath = "." + operationPath
	}
	queryURL, err := serverURL.Parse(operationPath)
	if err != nil {
		return "", err
	}
	return queryURL.String(), nil
}

// do sends a request and classifies the failure: transport errors and
// gateway statuses become ErrNetworkUnavailable, any other non-2xx status
// becomes a RejectionError.
func (c *Client) do(ctx context.Context, method, rawURL string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.applyEditors(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: status %s", ErrNetworkUnavailable, resp.Status)
	default:
		return nil, rejectionFrom(resp.StatusCode, raw)
	}
}

func rejectionFrom(status int, raw []byte) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		body.Code = fmt.Sprintf("http_%d", status)
		body.Message = strings.TrimSpace(string(raw))
		if body.Message == "" {
			body.Message = http.StatusText(status)
		}
	}
	if body.Code == "" {
		body.Code = fmt.Sprintf("http_%d", status)
	}
	return &RejectionError{Code: body.Code, Message: body.Message}
}

// Select fetches the rows of a table matching the filter (field = value,
// AND-combined).
func (c *Client) Select(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error) {
	rawURL, err := c.tableURL(table, "")
	if err != nil {
		return nil, err
	}
	if len(filter) > 0 {
		values := url.Values{}
		for field, value := range filter {
			values.Set(field, value)
		}
		rawURL += "?" + values.Encode()
	}
	raw, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode select response: %w", err)
	}
	return rows, nil
}

// Insert creates a row and returns the authoritative row with the
// server-assigned key.
func (c *Client) Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error) {
	rawURL, err := c.tableURL(table, "")
	if err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, http.MethodPost, rawURL, row)
	if err != nil {
		return nil, err
	}
	return decodeRow(raw)
}

// Update patches the row identified by key and returns the authoritative row.
func (c *Client) Update(ctx context.Context, table string, key string, partial map[string]any) (map[string]any, error) {
	rawURL, err := c.tableURL(table, key)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, http.MethodPut, rawURL, partial)
	if err != nil {
		return nil, err
	}
	return decodeRow(raw)
}

// Delete removes the row identified by key.
func (c *Client) Delete(ctx context.Context, table string, key string) error {
	rawURL, err := c.tableURL(table, key)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, rawURL, nil)
	return err
}

func decodeRow(raw []byte) (map[string]any, error) {
	row := make(map[string]any)
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode row response: %w", err)
	}
	return row, nil
}
