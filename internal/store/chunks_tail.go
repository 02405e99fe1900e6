package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nikira-studio/lifequery/pkg/types"
)

// LastChunk returns the chunk with the latest window of a chat, or nil when
// the chat has no chunks. The ingest pipeline re-chunks from this chunk's
// start so window continuity survives across syncs.
func (s *Store) LastChunk(ctx context.Context, chatID int64) (*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, text, content_hash, chat_name, participants, start_ts, end_ts, embedded, version
		 FROM chunks WHERE chat_id = ? ORDER BY end_ts DESC, start_ts DESC LIMIT 1`, chatID)

	var c types.Chunk
	var participants string
	var embedded int
	err := row.Scan(&c.ID, &c.ChatID, &c.Text, &c.ContentHash, &c.Metadata.ChatName,
		&participants, &c.Metadata.StartTS, &c.Metadata.EndTS, &embedded, &c.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Embedded = embedded != 0
	if err := json.Unmarshal([]byte(participants), &c.Metadata.Participants); err != nil {
		return nil, fmt.Errorf("corrupt participants for chunk %s: %w", c.ID, err)
	}
	return &c, nil
}

// MaxMessageTimestamp returns the newest persisted message timestamp, or 0
// for an empty store. Sync resumes fetching from this point.
func (s *Store) MaxMessageTimestamp(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM messages`).Scan(&ts); err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// DeleteChunks removes chunks by ID in one transaction. Used when a grown
// tail chunk supersedes its predecessor.
func (s *Store) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM chunks WHERE id = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}
