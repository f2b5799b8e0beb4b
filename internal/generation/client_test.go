package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fjmerc/studypipe/internal/quota"
	"github.com/fjmerc/studypipe/internal/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(ClientConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "default-model",
		Timeout: 5 * time.Second,
	})
}

func TestInvoke_Success(t *testing.T) {
	var gotAuth, gotModel string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req boundaryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		gotModel = req.Model

		json.NewEncoder(w).Encode(boundaryResponse{Content: "generated text"})
	})

	resp, err := client.invoke(context.Background(), &boundaryRequest{
		Type:     "chat",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("invoke() = %v", err)
	}
	if resp.Content != "generated text" {
		t.Errorf("Content = %q, want %q", resp.Content, "generated text")
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotModel != "default-model" {
		t.Errorf("Model = %q, want client default applied", gotModel)
	}
}

func TestInvoke_DailyLimitExhausted(t *testing.T) {
	resetAt := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(boundaryResponse{
			Code:      quota.CodeDailyLimit,
			Message:   "you are out of requests",
			Limit:     30,
			Remaining: 0,
			ResetAt:   resetAt.Format(time.RFC3339),
		})
	})

	_, err := client.invoke(context.Background(), &boundaryRequest{Type: "chat"})

	var rle *quota.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("error = %v, want *quota.RateLimitError", err)
	}
	if rle.Code != quota.CodeDailyLimit {
		t.Errorf("Code = %q, want %q", rle.Code, quota.CodeDailyLimit)
	}
	if rle.Limit != 30 || rle.Remaining != 0 {
		t.Errorf("Limit/Remaining = %d/%d, want 30/0", rle.Limit, rle.Remaining)
	}
	if !rle.ResetAt.Equal(resetAt) {
		t.Errorf("ResetAt = %v, want %v", rle.ResetAt, resetAt)
	}
	if retry.IsRetryable(err) {
		t.Error("rate limit error classified retryable")
	}
}

func TestInvoke_AccountLimitExhausted(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(boundaryResponse{
			Code:  quota.CodeAccountLimit,
			Limit: 100,
		})
	})

	_, err := client.invoke(context.Background(), &boundaryRequest{Type: "chat"})

	var rle *quota.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("error = %v, want *quota.RateLimitError", err)
	}
	if !rle.ResetAt.IsZero() {
		t.Errorf("ResetAt = %v for lifetime quota, want zero", rle.ResetAt)
	}
}

func TestInvoke_ServerErrorIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(boundaryResponse{Code: "internal", Message: "backend exploded"})
	})

	_, err := client.invoke(context.Background(), &boundaryRequest{Type: "chat"})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if !te.Retryable() {
		t.Error("5xx backend failure not classified retryable")
	}
	if te.RejectedBeforeBackend() {
		t.Error("5xx backend failure classified as rejected before backend")
	}
}

func TestInvoke_HTMLBodyIsRejectedBeforeBackend(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html><body>502 Bad Gateway</body></html>"))
	})

	_, err := client.invoke(context.Background(), &boundaryRequest{Type: "transcription"})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if !te.RejectedBeforeBackend() {
		t.Error("HTML error page not classified as rejected before backend")
	}
	if te.Retryable() {
		t.Error("rejected-before-backend classified retryable; it should escalate instead")
	}
}

func TestInvoke_PayloadTooLarge(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		w.Write([]byte("Request Entity Too Large"))
	})

	_, err := client.invoke(context.Background(), &boundaryRequest{Type: "transcription"})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if !te.RejectedBeforeBackend() {
		t.Error("413 not classified as rejected before backend")
	}
}

func TestInvoke_PlainTextTimeoutHeuristic(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusGatewayTimeout)
		w.Write([]byte("upstream request timeout"))
	})

	_, err := client.invoke(context.Background(), &boundaryRequest{Type: "chat"})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if te.Envelope.Code != CodeTimeout {
		t.Errorf("Code = %q, want %q", te.Envelope.Code, CodeTimeout)
	}
	if !te.Retryable() {
		t.Error("timeout not classified retryable")
	}
}

func TestInvoke_ApplicationErrorHidesBackendText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(boundaryResponse{
			Code:    "unsupported-format",
			Message: "internal stack trace: frame 0x7ffd...",
		})
	})

	_, err := client.invoke(context.Background(), &boundaryRequest{Type: "transcription"})

	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
	if strings.Contains(err.Error(), "stack trace") {
		t.Errorf("caller-visible message leaks backend text: %q", err.Error())
	}
	if !strings.Contains(err.Error(), "unsupported-format") {
		t.Errorf("caller-visible message missing machine code: %q", err.Error())
	}
	if ie.Envelope.Message == "" {
		t.Error("envelope dropped the backend message needed for logs")
	}
	if retry.IsRetryable(err) {
		t.Error("application error classified retryable")
	}
}

func TestInvoke_ConnectionRefused(t *testing.T) {
	// Point at a closed server so the request fails at the transport layer
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Timeout: time.Second})

	_, err := client.invoke(context.Background(), &boundaryRequest{Type: "chat"})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if !te.Retryable() {
		t.Error("connection failure not classified retryable")
	}
}

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestClassifyRequestError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"net timeout", timeoutNetError{}, CodeTimeout},
		{"deadline exceeded text", errors.New("context deadline exceeded"), CodeTimeout},
		{"connection refused", errors.New("dial tcp: connection refused"), CodeConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyRequestError(tt.err)

			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("classifyRequestError() = %T, want *TransportError", err)
			}
			if te.Envelope.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", te.Envelope.Code, tt.wantCode)
			}
			if !te.Retryable() {
				t.Error("request-layer failure not retryable")
			}
		})
	}
}

func TestParseResetAt(t *testing.T) {
	want := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if got := parseResetAt(want.Format(time.RFC3339)); !got.Equal(want) {
		t.Errorf("parseResetAt(valid) = %v, want %v", got, want)
	}

	got := parseResetAt("not a timestamp")
	if got.Hour() != 0 || got.Minute() != 0 || got.Location() != time.UTC {
		t.Errorf("parseResetAt(garbage) = %v, want a UTC midnight fallback", got)
	}
	if !got.After(time.Now().UTC()) {
		t.Errorf("parseResetAt(garbage) = %v, want a future reset", got)
	}
}
