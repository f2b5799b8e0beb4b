// Package upload implements the chunked, resumable transfer of captured media
// to durable object storage. Large payloads are split into fixed-size chunks
// tracked in a persisted task record, so an interrupted transfer resumes from
// the last completed chunk instead of starting over.
package upload

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskState is the persisted progress record for one file transfer. It
// survives process restarts so a later call with the same file ID resumes
// instead of re-uploading completed chunks.
type TaskState struct {
	FileName       string `json:"file_name"`
	TotalChunks    int    `json:"total_chunks"`
	UploadedChunks []int  `json:"uploaded_chunks"`
	StoragePath    string `json:"storage_path"`
}

// HasChunk reports whether the chunk index is already recorded as uploaded.
func (s *TaskState) HasChunk(index int) bool {
	for _, i := range s.UploadedChunks {
		if i == index {
			return true
		}
	}
	return false
}

// MarkChunk records the chunk index as uploaded. Recording the same index
// twice is idempotent.
func (s *TaskState) MarkChunk(index int) {
	if s.HasChunk(index) {
		return
	}
	s.UploadedChunks = append(s.UploadedChunks, index)
	sort.Ints(s.UploadedChunks)
}

// PendingChunks returns the chunk indices not yet uploaded, ascending.
func (s *TaskState) PendingChunks() []int {
	var pending []int
	for i := 0; i < s.TotalChunks; i++ {
		if !s.HasChunk(i) {
			pending = append(pending, i)
		}
	}
	return pending
}

// TaskStateStore persists per-file upload progress keyed by file ID.
// Implementations must tolerate idempotent re-writes; the manager saves
// state after every chunk.
type TaskStateStore interface {
	// Load returns the state for the given file ID, or nil when no state
	// is persisted.
	Load(ctx context.Context, fileID string) (*TaskState, error)

	// Save persists the state for the given file ID, replacing any
	// previous record.
	Save(ctx context.Context, fileID string, state *TaskState) error

	// Clear removes the persisted state for the given file ID. Clearing a
	// missing record is not an error.
	Clear(ctx context.Context, fileID string) error

	// StaleIDs returns the file IDs of tasks not updated since the cutoff.
	StaleIDs(ctx context.Context, cutoff time.Time) ([]string, error)
}

// NewFileID derives a stable per-attempt file ID from the user, the current
// time, and a random suffix. Reusing the returned ID on a later attempt is
// what enables resumption.
func NewFileID(userID string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", sanitizeID(userID), time.Now().Unix(), suffix)
}

// sanitizeID strips characters that would break storage keys out of a
// user-supplied identifier.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
