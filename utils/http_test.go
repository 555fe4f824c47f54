package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- NewSocketHTTPClient ---

func TestNewSocketHTTPClient_DialsSocket(t *testing.T) {
	// Use /tmp directly; t.TempDir() paths may exceed the Unix socket limit.
	sockPath := filepath.Join("/tmp", fmt.Sprintf("vmbackup-test-%d.sock", os.Getpid()))
	t.Cleanup(func() { os.Remove(sockPath) })

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})}
	go srv.Serve(ln) //nolint:errcheck
	defer srv.Close()

	hc := NewSocketHTTPClient(sockPath)
	resp, err := hc.Get("http://vmbackup/ping")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Errorf("expected %q, got %q", "pong", string(body))
	}
}

func TestNewSocketHTTPClient_BadSocket(t *testing.T) {
	hc := NewSocketHTTPClient("/nonexistent/socket.sock")
	if _, err := hc.Get("http://vmbackup/ping"); err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
}

// --- DoAPI ---

func TestDoAPI_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	body, err := DoAPI(context.Background(), srv.Client(), http.MethodDelete, srv.URL+"/backup/1", nil, http.StatusNoContent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("expected empty body for 204, got %q", body)
	}
}

func TestDoAPI_StatusMismatch_KeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"OPERATION_INVALID"}`))
	}))
	defer srv.Close()

	_, err := DoAPI(context.Background(), srv.Client(), http.MethodPost, srv.URL+"/backup", []byte(`{}`), http.StatusCreated)
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if ae.Status != http.StatusConflict {
		t.Errorf("expected status 409, got %d", ae.Status)
	}
	if !strings.Contains(string(ae.Body), "OPERATION_INVALID") {
		t.Errorf("body not preserved: %q", ae.Body)
	}
}

func TestDoAPI_ConnectionError(t *testing.T) {
	hc := &http.Client{Timeout: 100 * time.Millisecond}
	_, err := DoAPI(context.Background(), hc, http.MethodGet, "http://127.0.0.1:1/nope", nil, http.StatusOK)
	if err == nil {
		t.Fatal("expected connection error")
	}
	var ae *APIError
	if errors.As(err, &ae) {
		t.Errorf("expected transport error, got APIError{%d}", ae.Status)
	}
}

// --- DoJSON ---

func TestDoJSON_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		b, _ := io.ReadAll(r.Body)
		if string(b) != `{"name":"web"}` {
			t.Errorf("unexpected request body %s", b)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer srv.Close()

	type reply struct {
		ID int `json:"id"`
	}
	out, err := DoJSON[reply](context.Background(), srv.Client(), http.MethodPost, srv.URL, map[string]string{"name": "web"}, http.StatusCreated)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != 7 {
		t.Errorf("expected id 7, got %d", out.ID)
	}
}

// --- CheckSocket ---

func TestCheckSocket_NotExist(t *testing.T) {
	if err := CheckSocket("/nonexistent/test.sock"); err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
}

// --- DoWithRetry ---

func TestDoWithRetry_SuccessAfterRetries(t *testing.T) {
	calls := 0
	result, err := DoWithRetry(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("transient error")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 || calls != 3 {
		t.Errorf("expected 42 after 3 calls, got %d after %d", result, calls)
	}
}

func TestDoWithRetry_ExhaustedRetries(t *testing.T) {
	calls := 0
	_, err := DoWithRetry(context.Background(), func() (string, error) {
		calls++
		return "", &APIError{Status: http.StatusServiceUnavailable, Message: "busy"}
	})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls != MaxRetries+1 {
		t.Errorf("expected %d calls, got %d", MaxRetries+1, calls)
	}
}

func TestDoWithRetry_EngineError_StopsImmediately(t *testing.T) {
	calls := 0
	_, err := DoWithRetry(context.Background(), func() (string, error) {
		calls++
		return "", &APIError{Status: http.StatusInternalServerError, Message: "internal"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoWithRetry_ContextCanceled_DuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := DoWithRetry(ctx, func() (string, error) {
		return "", fmt.Errorf("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// --- IsRetryable ---

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&APIError{Status: 400}, false},
		{&APIError{Status: 404}, false},
		{&APIError{Status: 409}, false},
		{&APIError{Status: 500}, false},
		{&APIError{Status: 429}, true},
		{&APIError{Status: 502}, true},
		{&APIError{Status: 503}, true},
		{fmt.Errorf("outer: %w", &APIError{Status: 504}), true},
		{fmt.Errorf("connection refused"), true},
		{context.Canceled, false},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
