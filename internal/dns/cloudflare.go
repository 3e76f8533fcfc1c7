package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labuh/labuh/internal/apperr"
)

const cloudflareAPI = "https://api.cloudflare.com/client/v4"

// Cloudflare drives the Cloudflare v4 DNS records API with a team-scoped
// token. Only the two record operations the provisioner needs are wired.
type Cloudflare struct {
	apiToken string
	zoneID   string
	baseURL  string
	http     *http.Client
}

type cloudflareConfig struct {
	APIToken string `json:"api_token"`
	ZoneID   string `json:"zone_id"`
}

func NewCloudflare(cfg json.RawMessage) (*Cloudflare, error) {
	var c cloudflareConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "decode cloudflare config", err)
	}
	if c.APIToken == "" || c.ZoneID == "" {
		return nil, apperr.E(apperr.Validation, "cloudflare config requires api_token and zone_id")
	}
	return &Cloudflare{
		apiToken: c.APIToken,
		zoneID:   c.ZoneID,
		baseURL:  cloudflareAPI,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type cloudflareResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		ID string `json:"id"`
	} `json:"result"`
}

func (c *Cloudflare) CreateRecord(ctx context.Context, fqdn, target string) (string, error) {
	body := map[string]any{
		"type":    RecordType(target),
		"name":    fqdn,
		"content": target,
		"ttl":     1, // 1 = automatic
		"proxied": false,
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/zones/%s/dns_records", c.zoneID), body)
	if err != nil {
		return "", err
	}
	return resp.Result.ID, nil
}

func (c *Cloudflare) DeleteRecord(ctx context.Context, recordID string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/zones/%s/dns_records/%s", c.zoneID, recordID), nil)
	return err
}

func (c *Cloudflare) do(ctx context.Context, method, path string, body any) (*cloudflareResponse, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderError, "build cloudflare request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderError, "cloudflare request", err)
	}
	defer resp.Body.Close()

	var decoded cloudflareResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperr.Wrap(apperr.ProviderError, "decode cloudflare response", err)
	}
	if !decoded.Success {
		msg := "unknown error"
		if len(decoded.Errors) > 0 {
			msg = decoded.Errors[0].Message
		}
		return nil, apperr.Errorf(apperr.ProviderError, "cloudflare api: %s (status %d)", msg, resp.StatusCode)
	}
	return &decoded, nil
}
