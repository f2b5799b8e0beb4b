package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fjmerc/studypipe/internal/quota"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// boundaryRequest is the wire format of a generation call.
type boundaryRequest struct {
	Type        string    `json:"type"` // "chat" or "transcription"
	Messages    []Message `json:"messages,omitempty"`
	Model       string    `json:"model,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	AudioInline string    `json:"audioInline,omitempty"` // base64-encoded payload
	MimeType    string    `json:"mimeType,omitempty"`
	StoragePath string    `json:"storagePath,omitempty"`
}

// boundaryResponse covers both success and failure bodies. A failure carries
// a machine-readable code plus quota fields when relevant.
type boundaryResponse struct {
	Content string `json:"content"`
	Text    string `json:"text"`

	Code      string `json:"code"`
	Message   string `json:"message"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"resetAt"`
}

// ClientConfig configures the boundary HTTP client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client issues generation calls to the remote backend. It is the single
// place where backend failures become an ErrorEnvelope.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewClient creates a boundary client with a pooled HTTP transport.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DisableKeepAlives:   false,
			},
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

// maxResponseBytes bounds how much of a backend response is read.
const maxResponseBytes = 10 * 1024 * 1024

// invoke posts the request and normalizes every failure mode into a typed
// error built on an ErrorEnvelope. This is the only call site that sees raw
// backend bytes.
func (c *Client) invoke(ctx context.Context, req *boundaryRequest) (*boundaryResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("encoding generation request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("building generation request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyRequestError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Envelope: ErrorEnvelope{
			Kind:      KindTransport,
			Code:      CodeConnection,
			Message:   fmt.Sprintf("reading generation response: %v", err),
			Retryable: true,
		}}
	}

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return nil, rejectedBeforeBackend(fmt.Sprintf("request body too large (status %d)", resp.StatusCode))
	}

	var parsed boundaryResponse
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr != nil {
		// A non-JSON body means an intermediary answered, not the backend
		return nil, classifyUnstructured(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
	}

	if resp.StatusCode >= 400 || parsed.Code != "" {
		return nil, c.classifyFailure(resp.StatusCode, &parsed)
	}

	return &parsed, nil
}

// classifyFailure maps a structured backend failure to a typed error. Quota
// exhaustion codes become a RateLimitError; everything else becomes an
// InvocationError whose caller-visible text hides the backend message.
func (c *Client) classifyFailure(status int, resp *boundaryResponse) error {
	switch resp.Code {
	case quota.CodeDailyLimit, quota.CodeAccountLimit:
		rle := &quota.RateLimitError{
			Code:      resp.Code,
			Limit:     resp.Limit,
			Remaining: resp.Remaining,
		}
		if resp.Code == quota.CodeDailyLimit {
			rle.ResetAt = parseResetAt(resp.ResetAt)
		}
		return rle
	}

	if status >= 500 {
		return &TransportError{Envelope: ErrorEnvelope{
			Kind:      KindTransport,
			Code:      CodeConnection,
			Message:   fmt.Sprintf("backend error (status %d): %s", status, resp.Message),
			Retryable: true,
		}}
	}

	slog.Warn("generation request rejected by backend",
		"status", status,
		"code", resp.Code,
		"message", resp.Message,
	)

	return &InvocationError{Envelope: ErrorEnvelope{
		Kind:    KindInvocation,
		Code:    resp.Code,
		Message: resp.Message,
	}}
}

// classifyRequestError maps a transport-layer error from the HTTP client.
func classifyRequestError(err error) error {
	code := CodeConnection
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		code = CodeTimeout
	} else if strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline exceeded") {
		code = CodeTimeout
	}

	return &TransportError{Envelope: ErrorEnvelope{
		Kind:      KindTransport,
		Code:      code,
		Message:   fmt.Sprintf("generation request failed: %v", err),
		Retryable: true,
	}}
}

// classifyUnstructured maps a non-JSON response body. This is the last-resort
// text heuristic for upstream failures that carry no structure; it
// approximates the rejection cause from the content type, the status, and a
// few well-known substrings.
func classifyUnstructured(status int, contentType string, raw []byte) error {
	snippet := string(raw)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}

	switch {
	case strings.Contains(contentType, "text/html"),
		strings.Contains(snippet, "<html"),
		status == http.StatusRequestEntityTooLarge,
		strings.Contains(snippet, "413"),
		strings.Contains(snippet, "Request Entity Too Large"):
		return rejectedBeforeBackend(fmt.Sprintf("non-JSON response (status %d, %s)", status, contentType))

	case strings.Contains(strings.ToLower(snippet), "timeout"):
		return &TransportError{Envelope: ErrorEnvelope{
			Kind:      KindTransport,
			Code:      CodeTimeout,
			Message:   fmt.Sprintf("gateway timeout (status %d)", status),
			Retryable: true,
		}}
	}

	if status >= 500 {
		return &TransportError{Envelope: ErrorEnvelope{
			Kind:      KindTransport,
			Code:      CodeConnection,
			Message:   fmt.Sprintf("malformed backend response (status %d)", status),
			Retryable: true,
		}}
	}

	return rejectedBeforeBackend(fmt.Sprintf("malformed response (status %d, %s)", status, contentType))
}

func rejectedBeforeBackend(message string) error {
	return &TransportError{Envelope: ErrorEnvelope{
		Kind:    KindTransport,
		Code:    CodeRejectedBeforeBackend,
		Message: message,
	}}
}
