// Package metrics defines the Prometheus collectors for the ingestion and
// invocation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsTotal counts upload attempts by mode and outcome
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studypipe_uploads_total",
			Help: "Total number of upload attempts",
		},
		[]string{"mode", "status"}, // mode: single|chunked, status: completed|resumed|failed|cancelled
	)

	// UploadBytesTotal counts bytes successfully transferred to storage
	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studypipe_upload_bytes_total",
			Help: "Total bytes uploaded to durable storage",
		},
	)

	// ChunksUploadedTotal counts individual chunk uploads
	ChunksUploadedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studypipe_chunks_uploaded_total",
			Help: "Total number of chunks uploaded",
		},
	)

	// ChunkRetriesTotal counts chunk upload retry attempts
	ChunkRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studypipe_chunk_retries_total",
			Help: "Total number of chunk upload retries",
		},
	)

	// UploadDuration tracks end-to-end upload latency by mode
	UploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studypipe_upload_duration_seconds",
			Help:    "End-to-end upload latency in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	// InvocationsTotal counts generation calls by kind, transport, and outcome
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studypipe_invocations_total",
			Help: "Total number of generation service invocations",
		},
		[]string{"kind", "transport", "status"}, // kind: chat|transcription, transport: inline|storage_ref
	)

	// InvocationDuration tracks generation call latency by kind
	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studypipe_invocation_duration_seconds",
			Help:    "Generation service call latency in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	// TransportEscalationsTotal counts inline-to-storage transport escalations
	TransportEscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studypipe_transport_escalations_total",
			Help: "Total number of inline transport failures escalated to storage-reference transport",
		},
	)

	// QuotaDenialsTotal counts requests denied by quota checks, by exhaustion code
	QuotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studypipe_quota_denials_total",
			Help: "Total number of requests denied due to quota exhaustion",
		},
		[]string{"code"},
	)
)
