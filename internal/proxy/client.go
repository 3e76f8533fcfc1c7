// Package proxy programs the Caddy reverse proxy through its admin API and
// owns the lifecycle of the proxy container itself.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/labuh/labuh/internal/apperr"
)

const adminTimeout = 30 * time.Second

// Client talks JSON over HTTP to the Caddy admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: adminTimeout},
	}
}

// do sends one admin request. If the configured base URL points at localhost
// and the connection is refused, the request is retried once against the
// in-network service name "caddy": the admin API moves there once the
// controller itself runs inside the overlay network.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
	}

	data, status, err := c.doOnce(ctx, method, c.baseURL+path, payload)
	if err != nil && connectionRefused(err) && strings.Contains(c.baseURL, "localhost") {
		fallback := strings.Replace(c.baseURL, "localhost", "caddy", 1)
		slog.Debug("proxy admin unreachable on localhost, retrying in-network", "url", fallback)
		data, status, err = c.doOnce(ctx, method, fallback+path, payload)
	}
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.ProxyError, "proxy admin request", err)
	}
	return data, status, nil
}

func (c *Client) doOnce(ctx context.Context, method, url string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func connectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	// Some transports flatten the syscall error into the message.
	return err != nil && strings.Contains(err.Error(), "connection refused")
}

// get decodes a GET response into out. A 404 / empty body reports found=false.
func (c *Client) get(ctx context.Context, path string, out any) (bool, error) {
	data, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound || len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return false, nil
	}
	if status >= 400 {
		return false, apperr.Errorf(apperr.ProxyError, "proxy admin GET %s: status %d: %s", path, status, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, apperr.Wrap(apperr.ProxyError, "decode proxy admin response", err)
	}
	return true, nil
}

// send issues a mutating request and fails on any non-2xx status.
func (c *Client) send(ctx context.Context, method, path string, body any) error {
	data, status, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= 400 {
		return apperr.Errorf(apperr.ProxyError, "proxy admin %s %s: status %d: %s", method, path, status, data)
	}
	return nil
}
