package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPConfig configures the HTTP remote cache backend
type HTTPConfig struct {
	// URL is the base URL; entries live at <URL>/<key>
	URL string

	// Token is sent as a bearer token when set
	Token string

	Client *http.Client
}

// HTTP stores blobs on a remote cache server that accepts GET, PUT, HEAD and DELETE per key
type HTTP struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTP creates an HTTP backend
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote cache url %q", cfg.URL)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	return &HTTP{
		base:   strings.TrimRight(cfg.URL, "/"),
		token:  cfg.Token,
		client: client,
	}, nil
}

// Location implements Backend
func (h *HTTP) Location() string {
	return "HTTP: " + h.base
}

// Get implements Backend
func (h *HTTP) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := h.do(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, unavailable("GET", h.Location(), fmt.Errorf("unexpected status %s", resp.Status))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable("GET", h.Location(), err)
	}

	return data, nil
}

// Put implements Backend
func (h *HTTP) Put(ctx context.Context, key string, blob []byte) error {
	resp, err := h.do(ctx, http.MethodPut, key, blob)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return unavailable("PUT", h.Location(), fmt.Errorf("unexpected status %s", resp.Status))
	}

	return nil
}

// Exists implements Backend
func (h *HTTP) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := h.do(ctx, http.MethodHead, key, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, unavailable("HEAD", h.Location(), fmt.Errorf("unexpected status %s", resp.Status))
	}
}

// Delete implements Backend
func (h *HTTP) Delete(ctx context.Context, key string) error {
	resp, err := h.do(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return unavailable("DELETE", h.Location(), fmt.Errorf("unexpected status %s", resp.Status))
	}

	return nil
}

// Close implements Backend
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTP) do(ctx context.Context, method, key string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.base+"/"+url.PathEscape(key), r)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, unavailable(method, h.Location(), err)
	}

	return resp, nil
}
