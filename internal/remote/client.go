package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/tildaslashalef/opsync/internal/config"
	"github.com/tildaslashalef/opsync/internal/loggy"
	"github.com/tildaslashalef/opsync/internal/queue"
)

// Client is the HTTP implementation of Adapter against the sync server
type Client struct {
	baseURL    string
	token      string
	clientName string
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *loggy.Logger
}

// NewClient creates a new HTTP sync client
func NewClient(cfg config.ServerConfig, clientName string, logger *loggy.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 120
	}
	burst := cfg.BurstLimit
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    cfg.URL,
		token:      cfg.Token,
		clientName: clientName,
		maxRetries: cfg.MaxRetries,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		logger:     logger,
	}
}

// SetToken updates the authentication token
func (c *Client) SetToken(token string) {
	c.token = token
}

// Push delivers one queued mutation to the server.
// Transport errors and 5xx responses are retried with exponential backoff;
// 4xx responses (including conflicts) are permanent for this attempt.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("sync server URL not configured")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	if req.ClientName == "" {
		req.ClientName = c.clientName
	}

	url := fmt.Sprintf("%s/api/sync/push", c.baseURL)

	var resp *PushResponse
	operation := func() error {
		var err error
		resp, err = c.sendPush(ctx, url, req)
		if err == nil {
			return nil
		}

		if _, ok := err.(*ConflictError); ok {
			return backoff.Permanent(err)
		}
		if apiErr, ok := err.(APIError); ok && apiErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx))
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// VerifyToken verifies if the current token is valid
func (c *Client) VerifyToken(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/api/auth/verify", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		return false, nil
	}

	var apiErr APIError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		return false, fmt.Errorf("decoding error response: %w", err)
	}
	apiErr.StatusCode = resp.StatusCode

	return false, apiErr
}

// sendPush performs a single push round-trip and classifies the response
func (c *Client) sendPush(ctx context.Context, url string, pushReq *PushRequest) (*PushResponse, error) {
	bodyBytes, err := json.Marshal(pushReq)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshaling request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var details queue.ConflictDetails
		if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
			c.logger.Warn("Failed to decode conflict body", "error", err)
			details = queue.ConflictDetails{Type: queue.ConflictTypeVersion}
		}
		return nil, &ConflictError{Details: &details}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return nil, APIError{
				StatusCode: resp.StatusCode,
				Message:    resp.Status,
			}
		}
		apiErr.StatusCode = resp.StatusCode
		return nil, apiErr
	}

	var pushResp PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		if err == io.EOF {
			return &PushResponse{}, nil
		}
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &pushResp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Add("Content-Type", "application/json")
}
