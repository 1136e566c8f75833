package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// Client talks HTTP to the upstream automation service that drives the
// actual verification page.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a verification client for the given upstream.
func NewClient(baseURL, userAgent string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// FetchChallenge retrieves the current challenge image and its token.
func (c *Client) FetchChallenge(ctx context.Context) (*Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/captcha", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build challenge request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("challenge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Challenge fetch rejected upstream", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("challenge fetch returned status %d", resp.StatusCode)
	}

	image, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge image: %w", err)
	}
	if len(image) == 0 {
		return nil, ErrExtraction
	}

	return &Challenge{
		Image: image,
		Token: resp.Header.Get("X-Captcha-Token"),
	}, nil
}

// verifyResponse is the upstream wire format: either raw extracted
// fields, or an error string from the verified registry's own validation.
type verifyResponse struct {
	Error  string            `json:"error,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Verify submits one verification and maps the extracted fields. Failures
// come back typed: *ValidationError for registry rejections, ErrTimeout,
// or ErrExtraction when no fields could be read.
func (c *Client) Verify(ctx context.Context, vr Request) (*Result, error) {
	body, err := json.Marshal(vr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGatewayTimeout {
		return nil, ErrTimeout
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verification returned status %d", resp.StatusCode)
	}

	var decoded verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode verification response: %w", err)
	}
	if decoded.Error != "" {
		return nil, &ValidationError{Text: decoded.Error}
	}
	if len(decoded.Fields) == 0 {
		return nil, ErrExtraction
	}

	return MapFields(decoded.Fields), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
