// ABOUTME: HTTP client for OpenRouter-compatible chat completion APIs.
// ABOUTME: Implements llm.Completer and llm.ModelLister with attribution headers.

package openrouter

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
	"time"

	"github.com/2389/iris/internal/llm"
)

const (
	// DefaultBaseURL is the public OpenRouter API root.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout bounds a single request.
	DefaultTimeout = 120 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 10 * 1024 * 1024
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("openrouter: api key not configured")

// Config holds client settings.
type Config struct {
	BaseURL    string
	APIKey     string
	SiteURL    string // sent as HTTP-Referer
	AppName    string // sent as X-Title
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to an OpenRouter-compatible endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	siteURL    string
	appName    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		siteURL:    cfg.SiteURL,
		appName:    cfg.AppName,
		httpClient: httpClient,
		logger:     logger.With("component", "openrouter"),
	}
}

// apiErrorResponse is the error envelope. Code may be a number or a string.
type apiErrorResponse struct {
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

type modelsResponse struct {
	Data []llm.ModelInfo `json:"data"`
}

// Complete sends a chat completion request.
func (c *Client) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	data, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var resp llm.CompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding completion response: %w", err)
	}

	c.logger.Debug("completion finished",
		"model", req.Model,
		"choices", len(resp.Choices),
		"duration", time.Since(start),
	)
	return &resp, nil
}

// ListModels fetches the model catalog.
func (c *Client) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	data, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var resp modelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding models response: %w", err)
	}
	return resp.Data, nil
}

// do executes the request and returns the body of a successful response.
// Error envelopes are surfaced as *llm.APIError even on HTTP 200.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var envelope apiErrorResponse
	_ = json.Unmarshal(data, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || envelope.Error != nil {
		apiErr := &llm.APIError{Status: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.Code = strings.Trim(string(envelope.Error.Code), `"`)
			apiErr.Message = envelope.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.appName != "" {
		req.Header.Set("X-Title", c.appName)
	}
	req.Header.Set("Accept", "application/json")
}
