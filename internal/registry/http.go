package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds every call to a registry.
	DefaultTimeout = 30 * time.Second

	maxResponseSize = 10 * 1024 * 1024
)

// HTTPClient talks to a registry's REST API.
//
//	GET   {base}/records?name=&address=&cross_reference=&limit=
//	GET   {base}/records/{key}
//	PATCH {base}/records/{key}
//	POST  {base}/create-basic-record
type HTTPClient struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPClient returns a client for the registry at baseURL. name is only
// used in logs.
func NewHTTPClient(name, baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		name:    name,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

func (c *HTTPClient) Find(ctx context.Context, cr Criteria) ([]Record, error) {
	q := url.Values{}
	if cr.Name != "" {
		q.Set("name", cr.Name)
	}
	if cr.Address != "" {
		q.Set("address", cr.Address)
	}
	if cr.CrossReference != "" {
		q.Set("cross_reference", cr.CrossReference)
	}
	if cr.Limit > 0 {
		q.Set("limit", strconv.Itoa(cr.Limit))
	}
	var out []Record
	if err := c.do(ctx, http.MethodGet, "/records?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Read(ctx context.Context, key string) (*Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodGet, "/records/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Write(ctx context.Context, key string, fields Fields) error {
	return c.do(ctx, http.MethodPatch, "/records/"+url.PathEscape(key), fields, nil)
}

func (c *HTTPClient) Create(ctx context.Context, fields Fields) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/create-basic-record", fields, &out); err != nil {
		return "", err
	}
	if out.Key == "" {
		return "", fmt.Errorf("%s: create returned no key", c.name)
	}
	return out.Key, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", c.name, method, path, err)
	}
	defer resp.Body.Close()

	logrus.WithFields(logrus.Fields{
		"registry": c.name,
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Registry call completed")

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s %s: unexpected status %d: %s", c.name, method, path, resp.StatusCode, bytes.TrimSpace(payload))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	return nil
}
