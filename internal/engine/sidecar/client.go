// Package sidecar calls the external scraping engine over HTTP.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

const (
	// DefaultBaseURL is where the engine listens when nothing is configured.
	DefaultBaseURL = "http://localhost:8000"
	// DefaultTimeout bounds a single crawl request.
	DefaultTimeout = 40 * time.Second

	maxResponseBytes = 32 << 20
	maxErrorBody     = 512
)

// Config controls the engine client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client implements crawler.ScrapeEngine against the engine's /crawl endpoint.
type Client struct {
	endpoint  string
	userAgent string
	http      *http.Client
	logger    *zap.Logger
}

// New constructs a Client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:  base + "/crawl",
		userAgent: cfg.UserAgent,
		http:      httpClient,
		logger:    logger,
	}
}

type crawlRequest struct {
	URL    string          `json:"url"`
	Schema json.RawMessage `json:"schema"`
}

type crawlResponse struct {
	Extracted *struct {
		Items []json.RawMessage `json:"items"`
	} `json:"extracted"`
}

// Crawl posts the url and selector schema and returns the extracted records.
// Every failure, including a malformed body, is a *crawler.EngineCallError.
func (c *Client) Crawl(ctx context.Context, url string, selectors json.RawMessage) (crawler.RawResult, error) {
	schema := selectors
	if len(bytes.TrimSpace(schema)) == 0 {
		schema = json.RawMessage("null")
	}
	body, err := json.Marshal(crawlRequest{URL: url, Schema: schema})
	if err != nil {
		return crawler.RawResult{}, &crawler.EngineCallError{Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return crawler.RawResult{}, &crawler.EngineCallError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return crawler.RawResult{}, &crawler.EngineCallError{Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close engine response body", zap.Error(cerr))
		}
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return crawler.RawResult{}, &crawler.EngineCallError{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return crawler.RawResult{}, &crawler.EngineCallError{
			StatusCode: resp.StatusCode,
			Body:       crawler.Truncate(strings.TrimSpace(string(payload)), maxErrorBody),
		}
	}

	var decoded crawlResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return crawler.RawResult{}, &crawler.EngineCallError{Err: fmt.Errorf("decode response: %w", err)}
	}
	result := crawler.RawResult{Body: payload}
	if decoded.Extracted != nil {
		result.Items = decoded.Extracted.Items
	}
	c.logger.Debug("engine crawl completed",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Int("records", len(result.Items)),
	)
	return result, nil
}
