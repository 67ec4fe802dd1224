package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const agentStateSchema = `
CREATE TABLE IF NOT EXISTS agent_states (
    agent_id    TEXT PRIMARY KEY,
    snapshot    TEXT NOT NULL,
    updated_at  BIGINT NOT NULL
);`

// SQLStorage persists snapshots as one row per agent. The upsert keeps the
// write path a single statement, so a save is atomic.
type SQLStorage struct {
	db *sqlx.DB
}

// NewSQLStorage ensures the table exists and returns the storage.
func NewSQLStorage(db *sqlx.DB) (*SQLStorage, error) {
	if _, err := db.Exec(agentStateSchema); err != nil {
		return nil, fmt.Errorf("failed to create agent_states table: %w", err)
	}
	return &SQLStorage{db: db}, nil
}

// Get returns the stored snapshot or (nil, nil).
func (s *SQLStorage) Get(ctx context.Context, agentID string) (*SavedState, error) {
	var raw string
	query := s.db.Rebind(`SELECT snapshot FROM agent_states WHERE agent_id = ?`)
	err := s.db.GetContext(ctx, &raw, query, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent state: %w", err)
	}
	var saved SavedState
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		return nil, fmt.Errorf("failed to decode agent state: %w", err)
	}
	return &saved, nil
}

// Save upserts the snapshot row.
func (s *SQLStorage) Save(ctx context.Context, agentID string, state *SavedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode agent state: %w", err)
	}
	query := s.db.Rebind(`
		INSERT INTO agent_states (agent_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, agentID, string(data), state.LastUpdated); err != nil {
		return fmt.Errorf("failed to save agent state: %w", err)
	}
	return nil
}

// Delete removes the snapshot row.
func (s *SQLStorage) Delete(ctx context.Context, agentID string) error {
	query := s.db.Rebind(`DELETE FROM agent_states WHERE agent_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, agentID); err != nil {
		return fmt.Errorf("failed to delete agent state: %w", err)
	}
	return nil
}

// List returns every stored agent id.
func (s *SQLStorage) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT agent_id FROM agent_states ORDER BY agent_id`); err != nil {
		return nil, fmt.Errorf("failed to list agent states: %w", err)
	}
	return ids, nil
}
