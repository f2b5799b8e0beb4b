package upload

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS upload_tasks (
    file_id TEXT PRIMARY KEY,
    file_name TEXT NOT NULL,
    total_chunks INTEGER NOT NULL,
    uploaded_chunks TEXT NOT NULL DEFAULT '[]',
    storage_path TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_upload_tasks_updated_at ON upload_tasks(updated_at);
`

// SQLiteTaskStore implements TaskStateStore on a local SQLite database.
type SQLiteTaskStore struct {
	db *sql.DB
}

// NewSQLiteTaskStore creates the task table if needed and returns the store.
func NewSQLiteTaskStore(db *sql.DB) (*SQLiteTaskStore, error) {
	if _, err := db.Exec(taskSchema); err != nil {
		return nil, fmt.Errorf("failed to create upload task schema: %w", err)
	}
	return &SQLiteTaskStore{db: db}, nil
}

// Ensure SQLiteTaskStore implements TaskStateStore
var _ TaskStateStore = (*SQLiteTaskStore)(nil)

// Load returns the persisted state for the given file ID, or nil when absent.
func (s *SQLiteTaskStore) Load(ctx context.Context, fileID string) (*TaskState, error) {
	if fileID == "" {
		return nil, fmt.Errorf("file ID cannot be empty")
	}

	var state TaskState
	var chunksJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT file_name, total_chunks, uploaded_chunks, storage_path
		FROM upload_tasks WHERE file_id = ?`,
		fileID,
	).Scan(&state.FileName, &state.TotalChunks, &chunksJSON, &state.StoragePath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upload task: %w", err)
	}

	if err := json.Unmarshal([]byte(chunksJSON), &state.UploadedChunks); err != nil {
		return nil, fmt.Errorf("failed to decode uploaded chunk indices: %w", err)
	}

	return &state, nil
}

// Save persists the state for the given file ID, replacing any previous record.
func (s *SQLiteTaskStore) Save(ctx context.Context, fileID string, state *TaskState) error {
	if fileID == "" {
		return fmt.Errorf("file ID cannot be empty")
	}
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}

	chunks := state.UploadedChunks
	if chunks == nil {
		chunks = []int{}
	}
	chunksJSON, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("failed to encode uploaded chunk indices: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upload_tasks (file_id, file_name, total_chunks, uploaded_chunks, storage_path, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (file_id) DO UPDATE SET
			file_name = excluded.file_name,
			total_chunks = excluded.total_chunks,
			uploaded_chunks = excluded.uploaded_chunks,
			storage_path = excluded.storage_path,
			updated_at = CURRENT_TIMESTAMP`,
		fileID, state.FileName, state.TotalChunks, string(chunksJSON), state.StoragePath,
	)
	if err != nil {
		return fmt.Errorf("failed to save upload task: %w", err)
	}

	return nil
}

// Clear removes the persisted state for the given file ID.
func (s *SQLiteTaskStore) Clear(ctx context.Context, fileID string) error {
	if fileID == "" {
		return fmt.Errorf("file ID cannot be empty")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_tasks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to clear upload task: %w", err)
	}

	return nil
}

// StaleIDs returns the file IDs of tasks not updated since the cutoff.
func (s *SQLiteTaskStore) StaleIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id FROM upload_tasks WHERE updated_at < ?`,
		cutoff.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale upload tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan file ID: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
