package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	HTTPTimeout = 60 * time.Second
	MaxRetries  = 3
	BaseBackoff = 100 * time.Millisecond
)

// APIError carries a non-success response from the daemon API.
// Body holds the raw response so callers can decode a structured error.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *APIError) Error() string { return e.Message }

// NewSocketHTTPClient creates an HTTP client that dials a Unix socket.
func NewSocketHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: HTTPTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// DoAPI sends an HTTP request and validates the response status code.
// url must be fully formed (e.g. "http://vmbackup/api/v1/domains/web/backup").
// Returns the response body on success. For 204 No Content the body is empty.
func DoAPI(ctx context.Context, hc *http.Client, method, url string, body []byte, expectedStatus int) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != expectedStatus {
		return nil, &APIError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("%s %s: status %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(rb)),
			Body:    rb,
		}
	}
	return rb, nil
}

// DoJSON marshals in (when non-nil), calls DoAPI and decodes the response into T.
func DoJSON[T any](ctx context.Context, hc *http.Client, method, url string, in any, expectedStatus int) (T, error) {
	var out T
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return out, fmt.Errorf("marshal request: %w", err)
		}
	}
	rb, err := DoAPI(ctx, hc, method, url, body, expectedStatus)
	if err != nil {
		return out, err
	}
	if len(rb) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(rb, &out); err != nil {
		return out, fmt.Errorf("decode response of %s %s: %w", method, url, err)
	}
	return out, nil
}

// CheckSocket verifies that a Unix socket is connectable.
func CheckSocket(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// DoWithRetry retries fn with exponential backoff for transient errors.
// Only idempotent requests should be wrapped.
func DoWithRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i <= MaxRetries; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
		if i < MaxRetries {
			backoff := BaseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return zero, lastErr
}

// IsRetryable returns true for transient errors: connection failures,
// 502/503/504 and 429. A 500 carries an engine error and is final.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		switch ae.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			return true
		}
		return false
	}
	// Non-APIError = connection-level failure, always retry.
	return true
}
