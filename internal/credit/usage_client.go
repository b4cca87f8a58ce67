// Package credit implements the Credit Gate: the quote → quota-check →
// forward → extract-actuals → track pipeline that enforces per-API-key
// usage quotas on forwarded tool calls, with a bypass matrix for calls
// that don't need pricing.
package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// QuotaRequest is the body of POST /usage/quota.
type QuotaRequest struct {
	APIKey       string `json:"apiKey"`
	Service      string `json:"service"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// QuotaResponse is the body returned by POST /usage/quota.
type QuotaResponse struct {
	Allowed          bool    `json:"allowed"`
	RemainingDaily   float64 `json:"remainingDaily"`
	RemainingMonthly float64 `json:"remainingMonthly"`
}

// TrackMetadata is the metadata object attached to a /usage/track call.
type TrackMetadata struct {
	ToolName           string `json:"toolName"`
	DurationMS         int64  `json:"duration"`
	Success            bool   `json:"success"`
	UserID             string `json:"userId,omitempty"`
	UserEmail          string `json:"userEmail,omitempty"`
	QuotedInputTokens  int64  `json:"quotedInputTokens"`
	QuotedOutputTokens int64  `json:"quotedOutputTokens"`
}

// TrackRequest is the body of POST /usage/track.
type TrackRequest struct {
	APIKey       string        `json:"apiKey"`
	Service      string        `json:"service"`
	Model        string        `json:"model"`
	InputTokens  int64         `json:"inputTokens"`
	OutputTokens int64         `json:"outputTokens"`
	Usage        int64         `json:"usage"`
	Metadata     TrackMetadata `json:"metadata"`
}

// UsageClient talks to the external user-management service that owns
// per-API-key quota state.
type UsageClient struct {
	baseURL  string
	adminKey string
	http     *retryablehttp.Client
}

// NewUsageClient creates a UsageClient against baseURL, authorized with
// the router's admin key. It uses a retrying HTTP client since quota and
// tracking calls cross a network boundary this component does not own.
func NewUsageClient(baseURL, adminKey string) *UsageClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	return &UsageClient{baseURL: baseURL, adminKey: adminKey, http: client}
}

// CheckQuota calls POST /usage/quota and returns the allow decision.
func (c *UsageClient) CheckQuota(ctx context.Context, req QuotaRequest) (*QuotaResponse, error) {
	var resp QuotaResponse
	if err := c.post(ctx, "/usage/quota", req, &resp); err != nil {
		return nil, fmt.Errorf("credit: check quota: %w", err)
	}
	return &resp, nil
}

// Track calls POST /usage/track. Callers are expected to log, not
// propagate, any error this returns.
func (c *UsageClient) Track(ctx context.Context, req TrackRequest) error {
	if err := c.post(ctx, "/usage/track", req, nil); err != nil {
		return fmt.Errorf("credit: track usage: %w", err)
	}
	return nil
}

func (c *UsageClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.adminKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
