package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/fjmerc/studypipe/internal/metrics"
	"github.com/fjmerc/studypipe/internal/retry"
	"github.com/fjmerc/studypipe/internal/storage"
)

const (
	// DefaultChunkSize is the chunk size used when Options doesn't set one (5 MiB)
	DefaultChunkSize = 5 * 1024 * 1024

	// DefaultChunkingThreshold is the payload size above which uploads are chunked (10 MiB)
	DefaultChunkingThreshold = 10 * 1024 * 1024
)

// Options carries per-upload parameters.
type Options struct {
	// UserID namespaces the storage path and the derived file ID.
	UserID string

	// FileID keys the persisted task state. Leave empty for a fresh upload;
	// pass the ID of an interrupted upload to resume it.
	FileID string

	// ChunkSize overrides the default chunk size. Zero means default.
	ChunkSize int64

	// OnProgress, when set, receives a sample after every completed chunk.
	OnProgress func(ProgressSample)
}

// Manager moves payloads to durable storage, chunking large ones and
// persisting per-chunk progress for resumption. Within a single task chunk
// uploads are sequential; separate tasks are independent.
type Manager struct {
	blobs  storage.BlobStore
	states TaskStateStore
	policy retry.Policy

	defaultChunkSize  int64
	chunkingThreshold int64

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewManager creates a Manager over the given blob store and task state
// store. Zero chunkSize or chunkingThreshold selects the defaults.
func NewManager(blobs storage.BlobStore, states TaskStateStore, policy retry.Policy, chunkSize, chunkingThreshold int64) *Manager {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkingThreshold <= 0 {
		chunkingThreshold = DefaultChunkingThreshold
	}
	return &Manager{
		blobs:             blobs,
		states:            states,
		policy:            policy,
		defaultChunkSize:  chunkSize,
		chunkingThreshold: chunkingThreshold,
		active:            make(map[string]context.CancelFunc),
	}
}

// Upload transfers the payload to durable storage and returns its storage
// path. Payloads at or below the chunking threshold go up in one shot;
// larger payloads are chunked with per-chunk progress persisted under the
// task's file ID. Cancelling the context stops scheduling further chunks but
// leaves persisted progress valid for resumption.
func (m *Manager) Upload(ctx context.Context, fileName string, r io.ReaderAt, size int64, opts Options) (string, error) {
	if size < 0 {
		return "", fmt.Errorf("payload size cannot be negative: %d", size)
	}

	fileID := opts.FileID
	if fileID == "" {
		fileID = NewFileID(opts.UserID)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.register(fileID, cancel)
	defer m.unregister(fileID)

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.defaultChunkSize
	}

	start := time.Now()

	if size <= m.chunkingThreshold {
		storagePath, err := m.uploadSingle(ctx, fileID, fileName, r, size, opts)
		if err != nil {
			metrics.UploadsTotal.WithLabelValues("single", "failed").Inc()
			return "", err
		}
		metrics.UploadsTotal.WithLabelValues("single", "completed").Inc()
		metrics.UploadBytesTotal.Add(float64(size))
		metrics.UploadDuration.WithLabelValues("single").Observe(time.Since(start).Seconds())
		return storagePath, nil
	}

	storagePath, resumed, err := m.uploadChunked(ctx, fileID, fileName, r, size, chunkSize, opts)
	if err != nil {
		if ctx.Err() != nil {
			metrics.UploadsTotal.WithLabelValues("chunked", "cancelled").Inc()
		} else {
			metrics.UploadsTotal.WithLabelValues("chunked", "failed").Inc()
		}
		return "", err
	}

	status := "completed"
	if resumed {
		status = "resumed"
	}
	metrics.UploadsTotal.WithLabelValues("chunked", status).Inc()
	metrics.UploadBytesTotal.Add(float64(size))
	metrics.UploadDuration.WithLabelValues("chunked").Observe(time.Since(start).Seconds())

	return storagePath, nil
}

// uploadSingle performs a one-shot put with a single 100% progress sample.
// Zero-byte payloads are stored as empty objects.
func (m *Manager) uploadSingle(ctx context.Context, fileID, fileName string, r io.ReaderAt, size int64, opts Options) (string, error) {
	storagePath := storagePathFor(opts.UserID, fileID, fileName)

	data := make([]byte, size)
	if size > 0 {
		if _, err := r.ReadAt(data, 0); err != nil && err != io.EOF {
			return "", fmt.Errorf("reading payload: %w", err)
		}
	}

	err := m.policy.Do(ctx, "put "+storagePath, func() error {
		return m.blobs.Put(ctx, storagePath, data, true)
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", fileName, err)
	}

	tracker := newProgressTracker(size, 0, opts.OnProgress)
	tracker.finish()

	slog.Info("upload complete", "file_id", fileID, "path", storagePath, "size", size, "mode", "single")

	return storagePath, nil
}

// uploadChunked splits the payload into chunks, skipping any chunk already
// recorded in persisted state, then combines the chunks into the final object.
func (m *Manager) uploadChunked(ctx context.Context, fileID, fileName string, r io.ReaderAt, size, chunkSize int64, opts Options) (string, bool, error) {
	totalChunks := int((size + chunkSize - 1) / chunkSize)

	state, err := m.states.Load(ctx, fileID)
	if err != nil {
		return "", false, fmt.Errorf("loading task state: %w", err)
	}

	resumed := state != nil && len(state.UploadedChunks) > 0
	if state == nil {
		state = &TaskState{
			FileName:    fileName,
			TotalChunks: totalChunks,
			StoragePath: storagePathFor(opts.UserID, fileID, fileName),
		}
		if err := m.states.Save(ctx, fileID, state); err != nil {
			return "", false, fmt.Errorf("saving task state: %w", err)
		}
	} else if state.TotalChunks != totalChunks {
		return "", false, fmt.Errorf("task %s was started with %d chunks, now computes %d (payload or chunk size changed)",
			fileID, state.TotalChunks, totalChunks)
	}

	if resumed {
		slog.Info("resuming upload",
			"file_id", fileID,
			"uploaded_chunks", len(state.UploadedChunks),
			"total_chunks", totalChunks,
		)
	}

	alreadyLoaded := chunkedBytes(state.UploadedChunks, size, chunkSize)
	tracker := newProgressTracker(size, alreadyLoaded, opts.OnProgress)

	for _, index := range state.PendingChunks() {
		if err := ctx.Err(); err != nil {
			// Persisted progress stays valid for a later resume
			return "", resumed, fmt.Errorf("upload cancelled: %w", err)
		}

		chunkLen := chunkSize
		if offset := int64(index) * chunkSize; offset+chunkLen > size {
			chunkLen = size - offset
		}

		data := make([]byte, chunkLen)
		if _, err := r.ReadAt(data, int64(index)*chunkSize); err != nil && err != io.EOF {
			return "", resumed, fmt.Errorf("reading chunk %d: %w", index, err)
		}

		chunkKey := chunkPath(state.StoragePath, index)
		attempts := 0
		err := m.policy.Do(ctx, "put "+chunkKey, func() error {
			attempts++
			if attempts > 1 {
				metrics.ChunkRetriesTotal.Inc()
			}
			// Overwrite-safe: re-uploading the same index is idempotent
			return m.blobs.Put(ctx, chunkKey, data, true)
		})
		if err != nil {
			return "", resumed, fmt.Errorf("uploading chunk %d of %s: %w", index, fileName, err)
		}

		state.MarkChunk(index)
		if err := m.states.Save(ctx, fileID, state); err != nil {
			return "", resumed, fmt.Errorf("saving task state after chunk %d: %w", index, err)
		}

		metrics.ChunksUploadedTotal.Inc()
		tracker.add(chunkLen)

		slog.Debug("chunk uploaded",
			"file_id", fileID,
			"chunk", index,
			"total_chunks", totalChunks,
			"size", chunkLen,
		)
	}

	if err := m.combine(ctx, state); err != nil {
		return "", resumed, err
	}

	// Only after a successful combine is the task state discarded
	if err := m.states.Clear(ctx, fileID); err != nil {
		slog.Warn("failed to clear task state after combine", "file_id", fileID, "error", err)
	}

	tracker.finish()

	slog.Info("upload complete",
		"file_id", fileID,
		"path", state.StoragePath,
		"size", size,
		"mode", "chunked",
		"chunks", totalChunks,
	)

	return state.StoragePath, resumed, nil
}

// combine fetches every chunk, concatenates them in index order, writes the
// final object, and deletes the chunk objects. A chunk read failure aborts
// the combine without discarding uploaded chunks, so the next attempt resumes
// from re-fetch rather than re-upload.
func (m *Manager) combine(ctx context.Context, state *TaskState) error {
	chunkKeys := make([]string, 0, state.TotalChunks)
	var combined []byte

	for index := 0; index < state.TotalChunks; index++ {
		key := chunkPath(state.StoragePath, index)
		chunkKeys = append(chunkKeys, key)

		var data []byte
		err := m.policy.Do(ctx, "get "+key, func() error {
			var getErr error
			data, getErr = m.blobs.Get(ctx, key)
			return getErr
		})
		if err != nil {
			return fmt.Errorf("fetching chunk %d for combine: %w", index, err)
		}

		combined = append(combined, data...)
	}

	err := m.policy.Do(ctx, "put "+state.StoragePath, func() error {
		return m.blobs.Put(ctx, state.StoragePath, combined, true)
	})
	if err != nil {
		return fmt.Errorf("writing combined object: %w", err)
	}

	// Chunk cleanup failure is non-fatal: the final object is in place
	if err := m.blobs.Remove(ctx, chunkKeys); err != nil {
		slog.Warn("failed to remove chunk objects after combine",
			"path", state.StoragePath,
			"chunks", len(chunkKeys),
			"error", err,
		)
	}

	return nil
}

// Status returns the persisted state for an in-progress upload, or nil when
// no state is persisted (never started, combined, or cancelled with discard).
func (m *Manager) Status(ctx context.Context, fileID string) (*TaskState, error) {
	return m.states.Load(ctx, fileID)
}

// Cancel stops an in-flight upload for the given file ID, if any. Persisted
// chunk progress is preserved for resumption unless discardState is set, in
// which case the task record and any uploaded chunk objects are removed.
func (m *Manager) Cancel(ctx context.Context, fileID string, discardState bool) error {
	m.mu.Lock()
	if cancel, ok := m.active[fileID]; ok {
		cancel()
	}
	m.mu.Unlock()

	if !discardState {
		return nil
	}

	state, err := m.states.Load(ctx, fileID)
	if err != nil {
		return fmt.Errorf("loading task state: %w", err)
	}
	if state == nil {
		return nil
	}

	chunkKeys := make([]string, 0, len(state.UploadedChunks))
	for _, index := range state.UploadedChunks {
		chunkKeys = append(chunkKeys, chunkPath(state.StoragePath, index))
	}
	if len(chunkKeys) > 0 {
		if err := m.blobs.Remove(ctx, chunkKeys); err != nil {
			slog.Warn("failed to remove chunk objects on cancel", "file_id", fileID, "error", err)
		}
	}

	if err := m.states.Clear(ctx, fileID); err != nil {
		return fmt.Errorf("clearing task state: %w", err)
	}

	slog.Info("upload cancelled", "file_id", fileID, "discarded", true)

	return nil
}

// CleanupStale removes persisted tasks not updated within maxAge, along with
// their uploaded chunk objects. Hosts schedule this; retention policy itself
// is theirs to choose.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := m.states.StaleIDs(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("listing stale tasks: %w", err)
	}

	cleaned := 0
	for _, id := range ids {
		if err := m.Cancel(ctx, id, true); err != nil {
			slog.Warn("failed to clean up stale task", "file_id", id, "error", err)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		slog.Info("stale upload tasks cleaned", "count", cleaned)
	}

	return cleaned, nil
}

func (m *Manager) register(fileID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[fileID] = cancel
}

func (m *Manager) unregister(fileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, fileID)
}

// storagePathFor builds the durable object key for an upload.
func storagePathFor(userID, fileID, fileName string) string {
	return path.Join("uploads", sanitizeID(userID), fileID, fileName)
}

// chunkPath builds the object key for one chunk of an upload.
func chunkPath(storagePath string, index int) string {
	return fmt.Sprintf("%s.chunk.%d", storagePath, index)
}

// chunkedBytes sums the byte length of the given chunk indices.
func chunkedBytes(indices []int, size, chunkSize int64) int64 {
	var total int64
	for _, index := range indices {
		length := chunkSize
		if offset := int64(index) * chunkSize; offset+length > size {
			length = size - offset
		}
		total += length
	}
	return total
}
