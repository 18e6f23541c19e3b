package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openkiosk/orchestrator/internal/shared"
)

// Session is the remote view of a purchase session. The orchestrator
// never computes totals itself; it trusts whatever the remote API
// reports back.
type Session struct {
	Code       string `json:"code"`
	Status     string `json:"status"`
	TotalPrice int64  `json:"total_price"`
}

// ItemResult is the outcome of a cart line upsert.
type ItemResult struct {
	OK         bool  `json:"ok"`
	TotalPrice int64 `json:"total_price"`
}

// BindResult is the outcome of a card bind.
type BindResult struct {
	OK    bool `json:"ok"`
	Bound bool `json:"bound"`
}

// CheckoutResult is the outcome of a payment capture.
type CheckoutResult struct {
	OK         bool  `json:"ok"`
	TotalPrice int64 `json:"total_price"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Client is a thin typed wrapper over the remote session API. Every
// method is a single round trip; there are no retries and no caching.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
	logger    *zap.Logger
}

func NewClient(baseURL, authToken string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 7 * time.Second
	}

	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// CreateSession opens a fresh session for the store. Callers guard
// this with single-flight; the API treats every call as a new session.
func (c *Client) CreateSession(ctx context.Context, storeID int) (*Session, error) {
	payload := map[string]interface{}{"store_id": storeID}

	var session Session
	if err := c.post(ctx, "/sessions", payload, &session); err != nil {
		return nil, err
	}
	if session.Code == "" {
		return nil, fmt.Errorf("%w: create-session returned no code", ErrValidation)
	}

	shared.LogWithContext(ctx, c.logger, "remote session created",
		zap.String("code", session.Code))
	return &session, nil
}

// UpsertItem sets a cart line to the given quantity. Replace
// semantics: the last reported quantity wins, it never accumulates.
func (c *Client) UpsertItem(ctx context.Context, code, productRef string, quantity int) (*ItemResult, error) {
	payload := map[string]interface{}{
		"product_ref": productRef,
		"quantity":    quantity,
	}

	var result ItemResult
	if err := c.post(ctx, "/sessions/"+code+"/items", payload, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// BindCard attaches a normalized card uid to the session.
func (c *Client) BindCard(ctx context.Context, code, uid string) (*BindResult, error) {
	payload := map[string]interface{}{"uid": uid}

	var result BindResult
	if err := c.post(ctx, "/sessions/"+code+"/bind-card", payload, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Checkout executes payment capture for the session.
func (c *Client) Checkout(ctx context.Context, code string) (*CheckoutResult, error) {
	payload := map[string]interface{}{"approve": true}

	var result CheckoutResult
	if err := c.post(ctx, "/sessions/"+code+"/checkout", payload, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Cancel aborts the session remotely.
func (c *Client) Cancel(ctx context.Context, code string) error {
	var result struct {
		OK bool `json:"ok"`
	}
	return c.post(ctx, "/sessions/"+code+"/cancel", map[string]interface{}{}, &result)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, target interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", shared.GetCorrelationID(ctx))
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		shared.LogErrorWithContext(ctx, c.logger, "session api unreachable", err,
			zap.String("path", path))
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response from %s: %v", ErrUnreachable, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.classifyError(path, resp.StatusCode, body)
	}

	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("failed to parse response from %s: %w", path, err)
		}
	}

	return nil
}

func (c *Client) classifyError(path string, statusCode int, body []byte) error {
	detail := ""
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		detail = apiErr.Error
	}

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", ErrNotFound, path, detail)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s: %s", ErrNotOpen, path, detail)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s: %s", ErrValidation, path, detail)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s: %s", ErrUnreachable, path, detail)
	default:
		return fmt.Errorf("session api error (status %d) on %s: %s", statusCode, path, detail)
	}
}
