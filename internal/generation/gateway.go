package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fjmerc/studypipe/internal/metrics"
	"github.com/fjmerc/studypipe/internal/quota"
	"github.com/fjmerc/studypipe/internal/retry"
	"github.com/fjmerc/studypipe/internal/storage"
	"github.com/fjmerc/studypipe/internal/upload"
)

// Payload transports.
const (
	TransportInline     = "inline"
	TransportStorageRef = "storage_ref"
)

// DefaultInlineThreshold is the payload size above which transcription
// payloads are staged in storage instead of sent inline (2 MiB).
const DefaultInlineThreshold = 2 * 1024 * 1024

// TransportAttempt is the tagged result of one transcription call over a
// specific transport. Escalation is decided by the caller inspecting the
// attempt, not by control flow inside the call.
type TransportAttempt struct {
	Transport string
	Text      string
	Err       error
}

// ShouldEscalate reports whether the attempt failed in a way that a
// storage-reference retry can fix: the inline request was rejected before the
// generation backend saw it.
func (a TransportAttempt) ShouldEscalate() bool {
	if a.Err == nil || a.Transport != TransportInline {
		return false
	}
	var te *TransportError
	return errors.As(a.Err, &te) && te.RejectedBeforeBackend()
}

// ChatOptions carries per-call chat parameters.
type ChatOptions struct {
	UserID      string
	Model       string
	Temperature *float64
}

// TranscribeOptions carries per-call transcription parameters.
type TranscribeOptions struct {
	// UserID gates the quota check and namespaces staged payloads. Required
	// for the storage-reference fallback.
	UserID string

	// StoragePathHint, when set, marks the payload as already durably stored;
	// the gateway then always uses the storage-reference transport.
	StoragePathHint string

	// FileName names the staged object when the payload must be uploaded.
	FileName string
}

// Gateway issues generation requests, gated by the rate limiter. For
// transcription it picks the transport, escalating from inline to
// storage-reference when the inline request never reached the backend.
type Gateway struct {
	client          *Client
	limiter         *quota.Limiter
	uploads         *upload.Manager
	blobs           storage.BlobStore
	policy          retry.Policy
	inlineThreshold int64
	signTTL         time.Duration
}

// NewGateway creates a Gateway. A zero inlineThreshold means the default.
func NewGateway(client *Client, limiter *quota.Limiter, uploads *upload.Manager, blobs storage.BlobStore, policy retry.Policy, inlineThreshold int64, signTTL time.Duration) *Gateway {
	if inlineThreshold <= 0 {
		inlineThreshold = DefaultInlineThreshold
	}
	if signTTL <= 0 {
		signTTL = time.Hour
	}
	return &Gateway{
		client:          client,
		limiter:         limiter,
		uploads:         uploads,
		blobs:           blobs,
		policy:          policy,
		inlineThreshold: inlineThreshold,
		signTTL:         signTTL,
	}
}

// Chat sends a chat completion request and returns the generated text.
func (g *Gateway) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	if len(messages) == 0 {
		return "", &ValidationError{Message: "chat request requires at least one message"}
	}

	if err := g.limiter.Check(ctx, opts.UserID); err != nil {
		return "", err
	}

	start := time.Now()

	var resp *boundaryResponse
	err := g.policy.Do(ctx, "generation chat", func() error {
		var invokeErr error
		resp, invokeErr = g.client.invoke(ctx, &boundaryRequest{
			Type:        "chat",
			Messages:    messages,
			Model:       opts.Model,
			Temperature: opts.Temperature,
		})
		return invokeErr
	})
	if err != nil {
		metrics.InvocationsTotal.WithLabelValues("chat", TransportInline, "failed").Inc()
		return "", err
	}

	text := resp.Content
	if text == "" {
		text = resp.Text
	}
	if strings.TrimSpace(text) == "" {
		metrics.InvocationsTotal.WithLabelValues("chat", TransportInline, "empty").Inc()
		return "", &EmptyResultError{Kind: "chat"}
	}

	g.limiter.Record(ctx, opts.UserID)
	metrics.InvocationsTotal.WithLabelValues("chat", TransportInline, "completed").Inc()
	metrics.InvocationDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())

	return text, nil
}

// Transcribe converts an audio payload to text. Transport selection: a
// pre-supplied storage path always uses the storage-reference transport;
// payloads over the inline threshold are staged via the upload manager first;
// small payloads go inline. An inline request rejected before the backend is
// retried exactly once via storage reference when a user identity is known.
func (g *Gateway) Transcribe(ctx context.Context, audio []byte, mimeType string, opts TranscribeOptions) (string, error) {
	if len(audio) == 0 && opts.StoragePathHint == "" {
		return "", &ValidationError{Message: "transcription request requires audio data or a storage path"}
	}

	if err := g.limiter.Check(ctx, opts.UserID); err != nil {
		return "", err
	}

	start := time.Now()

	attempt := g.attemptTranscription(ctx, audio, mimeType, opts)

	if attempt.ShouldEscalate() {
		if opts.UserID == "" {
			metrics.InvocationsTotal.WithLabelValues("transcription", attempt.Transport, "failed").Inc()
			return "", &ValidationError{
				Message: "payload too large to send inline and no user identity available to stage it in storage",
			}
		}

		slog.Info("escalating transcription to storage-reference transport",
			"user_id", opts.UserID,
			"size", len(audio),
			"inline_error", attempt.Err,
		)
		metrics.TransportEscalationsTotal.Inc()

		storagePath, err := g.stagePayload(ctx, audio, opts)
		if err != nil {
			metrics.InvocationsTotal.WithLabelValues("transcription", TransportStorageRef, "failed").Inc()
			return "", fmt.Errorf("staging payload for storage-reference fallback: %w", err)
		}
		attempt = g.transcribeStorageRef(ctx, storagePath, mimeType)
	}

	if attempt.Err != nil {
		metrics.InvocationsTotal.WithLabelValues("transcription", attempt.Transport, "failed").Inc()
		return "", attempt.Err
	}

	if strings.TrimSpace(attempt.Text) == "" {
		metrics.InvocationsTotal.WithLabelValues("transcription", attempt.Transport, "empty").Inc()
		return "", &EmptyResultError{Kind: "transcription"}
	}

	g.limiter.Record(ctx, opts.UserID)
	metrics.InvocationsTotal.WithLabelValues("transcription", attempt.Transport, "completed").Inc()
	metrics.InvocationDuration.WithLabelValues("transcription").Observe(time.Since(start).Seconds())

	return attempt.Text, nil
}

// attemptTranscription runs the first transcription attempt over the
// selected transport.
func (g *Gateway) attemptTranscription(ctx context.Context, audio []byte, mimeType string, opts TranscribeOptions) TransportAttempt {
	if opts.StoragePathHint != "" {
		return g.transcribeStorageRef(ctx, opts.StoragePathHint, mimeType)
	}

	if int64(len(audio)) > g.inlineThreshold {
		storagePath, err := g.stagePayload(ctx, audio, opts)
		if err != nil {
			return TransportAttempt{Transport: TransportStorageRef, Err: fmt.Errorf("staging payload: %w", err)}
		}
		return g.transcribeStorageRef(ctx, storagePath, mimeType)
	}

	return g.transcribeInline(ctx, audio, mimeType)
}

func (g *Gateway) transcribeInline(ctx context.Context, audio []byte, mimeType string) TransportAttempt {
	var resp *boundaryResponse
	err := g.policy.Do(ctx, "generation transcription inline", func() error {
		var invokeErr error
		resp, invokeErr = g.client.invoke(ctx, &boundaryRequest{
			Type:        "transcription",
			AudioInline: base64.StdEncoding.EncodeToString(audio),
			MimeType:    mimeType,
		})
		return invokeErr
	})
	if err != nil {
		return TransportAttempt{Transport: TransportInline, Err: err}
	}
	return TransportAttempt{Transport: TransportInline, Text: resp.Text}
}

func (g *Gateway) transcribeStorageRef(ctx context.Context, storagePath, mimeType string) TransportAttempt {
	// A signed URL lets the backend fetch the object directly; the raw path
	// still works when signing is unavailable
	ref := storagePath
	if g.blobs != nil {
		if url, err := g.blobs.Sign(ctx, storagePath, g.signTTL); err == nil {
			ref = url
		} else {
			slog.Warn("signing storage reference failed, sending raw path",
				"path", storagePath,
				"error", err,
			)
		}
	}

	var resp *boundaryResponse
	err := g.policy.Do(ctx, "generation transcription storage-ref", func() error {
		var invokeErr error
		resp, invokeErr = g.client.invoke(ctx, &boundaryRequest{
			Type:        "transcription",
			StoragePath: ref,
			MimeType:    mimeType,
		})
		return invokeErr
	})
	if err != nil {
		return TransportAttempt{Transport: TransportStorageRef, Err: err}
	}
	return TransportAttempt{Transport: TransportStorageRef, Text: resp.Text}
}

// stagePayload uploads the audio through the upload manager and returns the
// resulting storage path.
func (g *Gateway) stagePayload(ctx context.Context, audio []byte, opts TranscribeOptions) (string, error) {
	fileName := opts.FileName
	if fileName == "" {
		fileName = "audio"
	}
	return g.uploads.Upload(ctx, fileName, bytes.NewReader(audio), int64(len(audio)), upload.Options{
		UserID: opts.UserID,
	})
}
